package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ProbeHealth polls url until it answers 200 or ctx ends.
func ProbeHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("guest_healthy", "url", url)
				return nil
			}
			err = fmt.Errorf("GET %s: %s", url, resp.Status)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("guest not healthy at %s: %w", url, lastErr)
		case <-ticker.C:
		}
	}
}
