package oauth

import (
	"context"
	"fmt"

	"github.com/pkg/browser"
	"github.com/rs/zerolog/log"
)

// OpenBrowser opens authURL in the user's default browser.
func OpenBrowser(_ context.Context, authURL string) error {
	log.Info().Str("url", authURL).Msg("Opening browser for authorization")
	if err := browser.OpenURL(authURL); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}
