package mcu

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"motionlink/executor"
	"motionlink/motion/config"
	"motionlink/protocol"
)

func TestSetupFor(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	id := protocol.Identity{Motors: 8, Fragments: 16, Samples: 256, MaxSteps: 64}

	s, err := SetupFor(cfg, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.Setup{
		Motors:     4,
		Fragments:  8,
		Samples:    256,
		PeriodUs:   500,
		MaxSteps:   32,
		WatchdogMs: 2000,
		LimitMask:  0b111,
	}, s)
}

func TestSetupForReportsEveryShortfall(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	_, err := SetupFor(cfg, protocol.Identity{Motors: 2, Fragments: 4, Samples: 64, MaxSteps: 8})
	require.ErrorIs(t, err, ErrIncapable)
	assert.Len(t, multierr.Errors(err), 4)
}

func TestHostConfig(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	hc := HostConfig(cfg, nil)
	assert.Equal(t, 5, hc.Session.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, hc.Session.ResendTimeout)
	assert.Equal(t, 50*time.Millisecond, hc.Session.StallRetryInterval)
	assert.Equal(t, 20*time.Millisecond, hc.InterByteTimeout)

	sc := SerialConfig(cfg)
	assert.Equal(t, config.DriverTarm, sc.Driver)
	assert.Equal(t, 250000, sc.Baud)
}

func TestIdentify(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	x := executor.New(executor.DefaultConfig(), executor.NewSimIO(8))
	go func() {
		dev, err := ln.Accept()
		if err != nil {
			return
		}
		defer dev.Close()
		x.Serve(ctx, dev)
	}()

	host, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	hc := protocol.DefaultHostConfig()
	hc.IdentifyRetry = 50 * time.Millisecond
	m := New(host, hc)
	defer m.Close()

	id, err := m.Identify(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, m.Identity())
	assert.Equal(t, uint8(16), id.Fragments)

	s, err := m.Setup(config.DefaultCartesianConfig())
	require.NoError(t, err)
	require.NoError(t, m.Transport().SendWait(ctx, s))
}
