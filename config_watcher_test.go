package requestcontrol

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConfig(t *testing.T) {
	t.Run("should_reject_nil_controller", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		assert.ErrorIs(t, WatchConfig(ctx, "ignored.yaml", nil, newTestLogger(t)), ErrManagementControllerNil)
	})

	t.Run("should_error_on_missing_file", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		controller := NewController(nil, WithLogger(newTestLogger(t)))
		assert.Error(t, WatchConfig(ctx, "/nonexistent/config.yaml", controller, newTestLogger(t)))
	})

	t.Run("should_apply_max_requests_on_file_change", func(t *testing.T) {
		path := writeConfigFile(t, "config.yaml", "maxRequests: 10\n")
		controller := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(10))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, WatchConfig(ctx, path, controller, newTestLogger(t)))

		require.NoError(t, os.WriteFile(path, []byte("maxRequests: 77\n"), 0o600))

		assert.Eventually(t, func() bool { return controller.MaxRequestCount() == 77 },
			5*time.Second, 20*time.Millisecond)
	})

	t.Run("should_keep_previous_settings_on_broken_reload", func(t *testing.T) {
		path := writeConfigFile(t, "config.yaml", "maxRequests: 10\n")
		controller := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(10))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, WatchConfig(ctx, path, controller, newTestLogger(t)))

		require.NoError(t, os.WriteFile(path, []byte("maxRequests: [broken\n"), 0o600))

		time.Sleep(600 * time.Millisecond)
		assert.Equal(t, 10, controller.MaxRequestCount())
	})
}
