package raopcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipelineBypassesReformatterForCanonicalFormat(t *testing.T) {
	env := NewEnvironment()
	engine, err := NewEngine(env)
	require.NoError(t, err)
	require.NoError(t, engine.Reinit(context.Background()))
	defer engine.Stop()

	p, err := NewPipeline(Canonical, engine)
	require.NoError(t, err)
	require.True(t, p.Bypassed())

	buf := make([]byte, RAOPPacketMaxDataSize)
	n, err := p.Write(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
}

func TestPipelineReformatsNonCanonicalInput(t *testing.T) {
	env := NewEnvironment()
	engine, err := NewEngine(env)
	require.NoError(t, err)
	require.NoError(t, engine.Reinit(context.Background()))
	defer engine.Stop()

	format := OutputFormat{SampleRate: 22050, SampleSize: 2, ChannelCount: 1}
	p, err := NewPipeline(format, engine)
	require.NoError(t, err)
	require.False(t, p.Bypassed())

	buf := make([]byte, 512)
	_, err = p.Write(buf)
	require.NoError(t, err)
}

func TestPipelineResetClearsEngineSession(t *testing.T) {
	env := NewEnvironment()
	engine, err := NewEngine(env)
	require.NoError(t, err)
	require.NoError(t, engine.Reinit(context.Background()))
	defer engine.Stop()

	p, err := NewPipeline(Canonical, engine)
	require.NoError(t, err)

	buf := make([]byte, RAOPPacketMaxDataSize)
	_, err = p.Write(buf)
	require.NoError(t, err)

	p.Reset()

	seqOut, _ := engine.OutgoingState()
	engine.mu.Lock()
	seqIn := engine.seqIncoming
	engine.mu.Unlock()
	require.Equal(t, seqOut, seqIn)
}
