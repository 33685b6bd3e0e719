package spectral

// DCTII exposes the cepstral transform matrix to external tests.
var DCTII = dctII
