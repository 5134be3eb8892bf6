package notify

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	title, message, icon string
}

func newTestNotifier(t *testing.T, icon []byte) (*ToastNotifier, *[]sent) {
	t.Helper()

	tn, err := NewToastNotifier(zap.NewNop().Sugar(), icon)
	require.NoError(t, err)

	var out []sent
	tn.send = func(title, message, appIcon string) error {
		out = append(out, sent{title, message, appIcon})
		return nil
	}
	tn.busy = func() bool { return false }

	return tn, &out
}

func TestToastNotifier_Sends(t *testing.T) {
	tn, out := newTestNotifier(t, nil)

	tn.Notify("Volume locked", "64%")

	require.Len(t, *out, 1)
	assert.Equal(t, sent{"Volume locked", "64%", ""}, (*out)[0])
}

func TestToastNotifier_WritesIcon(t *testing.T) {
	tn, out := newTestNotifier(t, []byte{0, 0, 1, 0})

	tn.Notify("title", "message")

	require.Len(t, *out, 1)
	require.NotEmpty(t, (*out)[0].icon)

	written, err := os.ReadFile((*out)[0].icon)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 0}, written)
}

func TestToastNotifier_Disabled(t *testing.T) {
	tn, out := newTestNotifier(t, nil)

	tn.SetEnabled(false)
	tn.Notify("title", "message")
	assert.Empty(t, *out)

	tn.SetEnabled(true)
	tn.Notify("title", "message")
	assert.Len(t, *out, 1)
}

func TestToastNotifier_Busy(t *testing.T) {
	tn, out := newTestNotifier(t, nil)
	tn.busy = func() bool { return true }

	tn.Notify("title", "message")

	assert.Empty(t, *out)
}

func TestToastNotifier_SendErrorIsSwallowed(t *testing.T) {
	tn, _ := newTestNotifier(t, nil)
	tn.send = func(string, string, string) error { return errors.New("no notification daemon") }

	assert.NotPanics(t, func() { tn.Notify("title", "message") })
}
