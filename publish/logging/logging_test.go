package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedaction(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core)

	log.Info("network resolved",
		"network", "goerli",
		"private_key", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		"raw", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		"tx", "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060",
		"settings", map[string]interface{}{"rpc": "http://127.0.0.1:8545", "Mnemonic": "test test test"},
	)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "goerli", fields["network"])
	assert.Equal(t, redacted, fields["private_key"])
	assert.Equal(t, redacted, fields["raw"])
	assert.Equal(t, "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060", fields["tx"])

	settings, ok := fields["settings"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8545", settings["rpc"])
	assert.Equal(t, redacted, settings["Mnemonic"])
}

func TestWithSanitizes(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewWithCore(core).With("secret", "hunter2", "command", "deploy")

	log.Debug("dropped")
	log.Warn("low balance", "balance", "0")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, redacted, fields["secret"])
	assert.Equal(t, "deploy", fields["command"])
}

func TestSanitizeKVs_OddLength(t *testing.T) {
	out := sanitizeKVs([]interface{}{"password", "x", "dangling"})
	assert.Equal(t, []interface{}{"password", redacted, "dangling"}, out)
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"", "dev", "prod", "quiet"} {
		l, err := New(mode)
		require.NoError(t, err, mode)
		require.NotNil(t, l)
	}
	_, err := New("verbose")
	assert.Error(t, err)
}
