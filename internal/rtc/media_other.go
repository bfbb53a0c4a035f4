//go:build !linux

package rtc

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newSessionMedia builds a receive-only media factory on non-Linux
// platforms. Camera/mic capture via pion/mediadevices requires
// platform-specific drivers (V4L2/malgo on Linux); elsewhere the session can
// still receive remote media.
func newSessionMedia(callID string) (*sessionMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	log.Printf("CALL [%s]: media ready (receive-only, no local capture on this platform)", callID)
	return &sessionMedia{api: api}, nil
}
