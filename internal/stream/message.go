package stream

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG frames from the backend
	_ "image/png"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	jsoniter "github.com/json-iterator/go"
)

// DefaultPath is the well-known stream endpoint on the backend.
const DefaultPath = "/ws/video"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrTransportClosed covers dial failures, read errors and remote closes.
	ErrTransportClosed = errors.New("stream: transport closed")
	// ErrMalformedPayload is a message that could not be parsed; it is dropped.
	ErrMalformedPayload = errors.New("stream: malformed payload")
	// ErrFrameDecode is a frame payload that could not be turned into an image.
	ErrFrameDecode = errors.New("stream: frame decode failed")
)

// ParseMessage decodes one inbound text message.
func ParseMessage(data []byte) (types.StreamMessage, error) {
	var msg types.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.StreamMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return msg, nil
}

// DecodeFrame turns a hex-encoded payload into an image. The temporary reader is
// dropped on both paths, the returned raw bytes are owned by the caller.
func DecodeFrame(hexFrame string) (image.Image, []byte, error) {
	raw, err := hex.DecodeString(hexFrame)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: hex: %v", ErrFrameDecode, err)
	}
	img, err := decodeImage(raw)
	if err != nil {
		return nil, nil, err
	}
	return img, raw, nil
}

func decodeImage(raw []byte) (image.Image, error) {
	r := bytes.NewReader(raw)
	defer r.Reset(nil)
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDecode, err)
	}
	return img, nil
}

// Latency returns localNow - serverMillis rounded to the nearest millisecond.
// It assumes loosely synchronized clocks.
func Latency(now time.Time, serverMillis float64) int64 {
	local := float64(now.UnixNano()) / float64(time.Millisecond)
	return int64(math.Round(local - serverMillis))
}

// EndpointURL derives the websocket URL from the backend's page URL. The scheme
// mirrors transport security: https becomes wss, anything else ws.
func EndpointURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid backend URL %q: missing host", base)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + DefaultPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
