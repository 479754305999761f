package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConfig() {
	Config = &Configuration{
		NodeID: 1,
		Server: ServerConfiguration{
			BindAddress: "0.0.0.0",
			Port:        8080,
		},
		Realtime: RealtimeConfiguration{
			HeartbeatIntervalMS: 30000,
			PongTimeoutMS:       10000,
			WriteTimeoutMS:      5000,
			CatchUpBatchSize:    256,
			SendBufferSize:      64,
		},
		Auth: AuthConfiguration{
			SkewSeconds: 300,
		},
		Social: SocialConfiguration{
			DBPath: "social.db",
		},
		Sink: SinkConfiguration{
			MaxRetries:     5,
			RetryBackoffMS: 200,
			QueueSize:      4096,
		},
	}
}

func TestValidateDefaults(t *testing.T) {
	resetConfig()
	assert.NoError(t, Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	resetConfig()
	Config.Server.Port = 0
	assert.Error(t, Validate())

	Config.Server.Port = 70000
	assert.Error(t, Validate())
}

func TestValidateRejectsShortHeartbeat(t *testing.T) {
	resetConfig()
	Config.Realtime.HeartbeatIntervalMS = 500
	assert.Error(t, Validate())
}

func TestValidateRejectsZeroCatchUpBatch(t *testing.T) {
	resetConfig()
	Config.Realtime.CatchUpBatchSize = 0
	assert.Error(t, Validate())
}

func TestValidateRejectsEmptySocialPath(t *testing.T) {
	resetConfig()
	Config.Social.DBPath = ""
	assert.Error(t, Validate())
}

func TestValidateSinkEndpoints(t *testing.T) {
	resetConfig()
	Config.Sink.NATS.Enabled = true
	assert.Error(t, Validate(), "NATS enabled without URL should fail")

	Config.Sink.NATS.URL = "nats://localhost:4222"
	assert.NoError(t, Validate())

	Config.Sink.Kafka.Enabled = true
	assert.Error(t, Validate(), "Kafka enabled without brokers should fail")

	Config.Sink.Kafka.Brokers = []string{"localhost:9092"}
	assert.NoError(t, Validate())
}

func TestLoadFromTOML(t *testing.T) {
	resetConfig()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	content := `
node_id = 42

[server]
port = 9000

[realtime]
heartbeat_interval_ms = 15000
catch_up_batch_size = 128

[auth]
skew_seconds = 60

[store]
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[sink]
type_filter = "message*"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	require.NoError(t, Load(cfgPath))
	assert.Equal(t, uint64(42), Config.NodeID)
	assert.Equal(t, 9000, Config.Server.Port)
	assert.Equal(t, 15000, Config.Realtime.HeartbeatIntervalMS)
	assert.Equal(t, 128, Config.Realtime.CatchUpBatchSize)
	assert.Equal(t, 60, Config.Auth.SkewSeconds)
	assert.Equal(t, "message*", Config.Sink.TypeFilter)

	// Load should have created the data directory
	_, err := os.Stat(Config.Store.DataDir)
	assert.NoError(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	resetConfig()
	Config.Store.DataDir = t.TempDir()
	require.NoError(t, Load(filepath.Join(t.TempDir(), "nope.toml")))
	assert.Equal(t, 8080, Config.Server.Port)
}
