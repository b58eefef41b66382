package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfig(t *testing.T) {
	sc := ServiceConfig(Config{ConfigPath: "/srv/worker.yaml", UserName: "chunkmesh"}, "linux")
	assert.Equal(t, DefaultName, sc.Name)
	assert.Equal(t, []string{RunFlag, "serve", "--config", "/srv/worker.yaml"}, sc.Arguments)
	assert.Equal(t, "chunkmesh", sc.UserName)
	assert.Contains(t, sc.Dependencies, "After=network-online.target")
	assert.Equal(t, "on-failure", sc.Option["Restart"])

	sc = ServiceConfig(Config{Name: "chunkmesh-2"}, "windows")
	assert.Equal(t, "chunkmesh-2", sc.Name)
	assert.Empty(t, sc.UserName)
	assert.Equal(t, DefaultConfigPath(), sc.Arguments[3])
	assert.Equal(t, "restart", sc.Option["OnFailure"])
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	p := &Program{
		ConfigPath: "/etc/chunkmesh/worker.yaml",
		Run: func(ctx context.Context, path string) error {
			started <- path
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, p.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/etc/chunkmesh/worker.yaml", path)
	case <-time.After(time.Second):
		t.Fatal("run function not started")
	}
	assert.NoError(t, p.Stop(nil))
}

func TestProgram_StopReportsFailure(t *testing.T) {
	boom := errors.New("store corrupt")
	p := &Program{Run: func(context.Context, string) error { return boom }}
	require.NoError(t, p.Start(nil))
	assert.ErrorIs(t, p.Stop(nil), boom)
}

func TestProgram_NoRunFunc(t *testing.T) {
	p := &Program{}
	assert.Error(t, p.Start(nil))
	assert.NoError(t, p.Stop(nil))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}
