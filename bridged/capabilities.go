package main

import (
	"github.com/rs/zerolog"
)

// loggingCapabilities is the daemon's Capabilities implementation. The
// real side effects (clipboard, share sheet, haptics, camera) belong to
// the platform shell embedding this process; here each request is
// acknowledged and logged so the content-side flow can be exercised
// end to end.
type loggingCapabilities struct {
	log zerolog.Logger
}

func (c *loggingCapabilities) CopyToClipboard(text string) error {
	c.log.Info().Int("chars", len(text)).Msg("Clipboard copy requested")
	return nil
}

func (c *loggingCapabilities) Share(text string) error {
	c.log.Info().Int("chars", len(text)).Msg("Share requested")
	return nil
}

func (c *loggingCapabilities) OpenURL(url string) error {
	c.log.Info().Str("url", url).Msg("External URL open requested")
	return nil
}

func (c *loggingCapabilities) Haptic(style string) error {
	c.log.Debug().Str("style", style).Msg("Haptic feedback requested")
	return nil
}

func (c *loggingCapabilities) RequestQRScan() error {
	c.log.Info().Msg("QR scan requested")
	return nil
}
