package policy

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/rclone"
	"github.com/pagerelay/pagerelay/pkg/router"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

func newTestRouter() *router.Router {
	return router.New([]router.GroupSpec{
		{Number: 1, Primary: "gdrive"},
		{Number: 2, Primary: "box"},
		{Number: 3, Primary: "mega"},
	}, router.RoundRobin, rclone.Options{}, nil)
}

func TestNewCreatesStateFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, newTestRouter(), true)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Active())
	raw, err := os.ReadFile(filepath.Join(dir, StateFileName))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(raw))
}

func TestNewLoadsExistingStateAndSealsLowerGroups(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("2\n"), 0o644))

	r := newTestRouter()
	s, err := New(dir, r, true)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Active())
	assert.True(t, r.IsGroupFull(1))
	assert.False(t, r.IsGroupFull(2))
	assert.False(t, r.IsGroupFull(3))
}

func TestNewResetsBadState(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not-a-number\n"},
		{"zero", "0\n"},
		{"unconfigured group", "7\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte(tt.content), 0o644))

			s, err := New(dir, newTestRouter(), true)
			require.NoError(t, err)
			assert.Equal(t, 1, s.Active())

			raw, err := os.ReadFile(filepath.Join(dir, StateFileName))
			require.NoError(t, err)
			assert.Equal(t, "1\n", string(raw))
		})
	}
}

func TestSetActivePersists(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter()
	s, err := New(dir, r, true)
	require.NoError(t, err)

	require.NoError(t, s.SetActive(3))
	assert.Equal(t, 3, s.Active())
	assert.True(t, r.IsGroupFull(1))
	assert.True(t, r.IsGroupFull(2))

	raw, err := os.ReadFile(filepath.Join(dir, StateFileName))
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(raw))

	err = s.SetActive(9)
	assert.ErrorIs(t, err, router.ErrUnknownGroup)
}

func TestAdvanceOnQuota(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter()
	s, err := New(dir, r, true)
	require.NoError(t, err)

	next, switched := s.AdvanceOnQuota("gdrive", 1)
	require.True(t, switched)
	assert.Equal(t, 2, next)
	assert.Equal(t, 2, s.Active())
	assert.True(t, r.IsGroupFull(1))

	// Last group has nowhere to advance to.
	require.NoError(t, s.SetActive(3))
	next, switched = s.AdvanceOnQuota("mega", 3)
	assert.False(t, switched)
	assert.Equal(t, 3, next)
}

func TestAdvanceOnQuotaDisabled(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter()
	s, err := New(dir, r, false)
	require.NoError(t, err)

	next, switched := s.AdvanceOnQuota("gdrive", 1)
	assert.False(t, switched)
	assert.Equal(t, 1, next)
	assert.Equal(t, 1, s.Active())
	assert.True(t, r.IsGroupFull(1))
}

func TestActiveSkipsFullGroup(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter()
	s, err := New(dir, r, true)
	require.NoError(t, err)

	r.MarkGroupFull(1, "quota ceiling reached")
	assert.Equal(t, 2, s.Active())

	// The advance persists.
	raw, err := os.ReadFile(filepath.Join(dir, StateFileName))
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(raw))

	// Without auto-switch the full group stays active.
	dir2 := t.TempDir()
	r2 := newTestRouter()
	s2, err := New(dir2, r2, false)
	require.NoError(t, err)
	r2.MarkGroupFull(1, "quota ceiling reached")
	assert.Equal(t, 1, s2.Active())
}

func TestWriteTarget(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, newTestRouter(), true)
	require.NoError(t, err)

	target := s.WriteTarget()
	assert.Equal(t, 1, target.Group)
	assert.Equal(t, "gdrive", target.Primary)
	assert.Empty(t, target.Prefix)

	require.NoError(t, s.SetActive(2))
	target = s.WriteTarget()
	assert.Equal(t, 2, target.Group)
	assert.Equal(t, "box", target.Primary)
	assert.Equal(t, "@2/", target.Prefix)
}

func TestPathFor(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, newTestRouter(), true)
	require.NoError(t, err)

	assert.Equal(t, "manga/x/ch1/001.jpg", s.PathFor("manga/x/ch1/001.jpg"))

	require.NoError(t, s.SetActive(2))
	assert.Equal(t, "@2/manga/x/ch1/001.jpg", s.PathFor("manga/x/ch1/001.jpg"))
}

func TestSetActivePublishesSwitchEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe(events.EventGroupSwitched)
	defer sub.Close()

	s, err := New(t.TempDir(), newTestRouter(), true)
	require.NoError(t, err)
	s.WithEvents(broker)

	require.NoError(t, s.SetActive(2))

	select {
	case ev := <-sub.C():
		assert.Equal(t, "1", ev.Metadata["from"])
		assert.Equal(t, "2", ev.Metadata["to"])
	case <-time.After(time.Second):
		t.Fatal("no group.switched event published")
	}
}
