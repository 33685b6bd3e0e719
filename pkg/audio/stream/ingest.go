package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// Codec names the payload of ingest messages.
type Codec string

const (
	// CodecPCM16 is raw little-endian int16 PCM.
	CodecPCM16 Codec = "pcm16"
	// CodecOpus is one Opus packet per message.
	CodecOpus Codec = "opus"
)

// maxMessageBytes bounds a single ingest message.
const maxMessageBytes = 1 << 20

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithOriginPatterns allows cross-origin websocket clients matching the
// given host patterns.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.origins = patterns }
}

// WithPacketHook registers a function called with the size of every
// accepted message after it has been written to the buffer.
func WithPacketHook(fn func(codec Codec, bytes int)) HandlerOption {
	return func(h *Handler) { h.onPacket = fn }
}

// WithHandlerLogger sets the logger. Defaults to [slog.Default].
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// Handler accepts one websocket producer at a time and writes its decoded
// audio into a [Buffer]. The query string selects the format:
//
//	?codec=pcm16|opus&rate=48000&channels=1
//
// rate is ignored for Opus, which is always 48 kHz.
type Handler struct {
	buf      *Buffer
	origins  []string
	onPacket func(Codec, int)
	log      *slog.Logger
	busy     atomic.Bool
}

// NewHandler returns an ingest handler writing into buf.
func NewHandler(buf *Buffer, opts ...HandlerOption) *Handler {
	h := &Handler{buf: buf, log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Active reports whether a producer is connected.
func (h *Handler) Active() bool { return h.busy.Load() }

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, format, err := parseIngestQuery(r.URL.Query(), h.buf.SampleRate())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var dec *OpusDecoder
	if codec == CodecOpus {
		if dec, err = NewOpusDecoder(format.Channels); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		format = dec.Format()
	}
	if !h.busy.CompareAndSwap(false, true) {
		http.Error(w, "stream: another producer is already connected", http.StatusConflict)
		return
	}
	defer h.busy.Store(false)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("stream: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	h.log.Info("stream: producer connected", "codec", codec, "format", format.String())
	conv := &audio.Converter{TargetRate: h.buf.SampleRate()}
	ctx := r.Context()
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				h.log.Info("stream: producer disconnected")
			default:
				if !errors.Is(err, ctx.Err()) {
					h.log.Warn("stream: read failed", "err", err)
				}
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		pcm := msg
		if dec != nil {
			if pcm, err = dec.Decode(msg); err != nil {
				h.log.Debug("stream: dropping packet", "err", err)
				continue
			}
		}
		h.buf.Write(conv.Convert(pcm, format))
		if h.onPacket != nil {
			h.onPacket(codec, len(msg))
		}
	}
}

func parseIngestQuery(q url.Values, defaultRate int) (Codec, audio.Format, error) {
	codec := Codec(q.Get("codec"))
	if codec == "" {
		codec = CodecPCM16
	}
	if codec != CodecPCM16 && codec != CodecOpus {
		return "", audio.Format{}, fmt.Errorf("stream: unknown codec %q", codec)
	}
	f := audio.Format{SampleRate: defaultRate, Channels: 1}
	if s := q.Get("rate"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return "", audio.Format{}, fmt.Errorf("stream: invalid rate %q", s)
		}
		f.SampleRate = v
	}
	if s := q.Get("channels"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || (v != 1 && v != 2) {
			return "", audio.Format{}, fmt.Errorf("stream: invalid channels %q", s)
		}
		f.Channels = v
	}
	return codec, f, nil
}
