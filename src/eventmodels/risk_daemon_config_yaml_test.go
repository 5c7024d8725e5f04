package eventmodels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newValidConfig() *RiskDaemonConfigYAML {
	return &RiskDaemonConfigYAML{
		Broker: BrokerConfigYAML{
			BaseURL:   "https://api.topstepx.example.com",
			StreamURL: "wss://rtc.topstepx.example.com/hubs/user",
		},
		Accounts: []AccountConfigYAML{
			{ID: "ACC1", Name: "eval account"},
		},
	}
}

func TestRiskDaemonConfigValidate(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		// arrange
		config := newValidConfig()

		// act
		err := config.Validate()

		// assert
		require.NoError(t, err)
		require.Equal(t, ":8090", config.Daemon.OpsAddr)
		require.Equal(t, 10000, config.Daemon.QueueCapacity)
		require.Equal(t, string(OverflowPolicyBlock), config.Daemon.QueueOverflowPolicy)
		require.Equal(t, 5*time.Second, config.Daemon.TimeTickInterval.ToDuration())
		require.Equal(t, 30*time.Second, config.Daemon.StopLossPollInterval.ToDuration())
		require.Equal(t, 60*time.Second, config.Daemon.PriceMaxAge.ToDuration())
		require.Equal(t, "17:00", config.Session.Boundary)
		require.Equal(t, "America/New_York", config.Session.Timezone)
	})

	t.Run("rejects missing broker url", func(t *testing.T) {
		config := newValidConfig()
		config.Broker.BaseURL = ""

		require.Error(t, config.Validate())
	})

	t.Run("rejects empty account list", func(t *testing.T) {
		config := newValidConfig()
		config.Accounts = nil

		require.Error(t, config.Validate())
	})

	t.Run("rejects unknown overflow policy", func(t *testing.T) {
		config := newValidConfig()
		config.Daemon.QueueOverflowPolicy = "spill"

		require.Error(t, config.Validate())
	})

	t.Run("rejects malformed boundary", func(t *testing.T) {
		config := newValidConfig()
		config.Session.Boundary = "5pm"

		require.Error(t, config.Validate())
	})

	t.Run("rejects enabled daily loss without limit", func(t *testing.T) {
		config := newValidConfig()
		config.Rules.DailyLoss.Enabled = true

		require.Error(t, config.Validate())
	})
}

func TestRiskDaemonConfigYAMLParsing(t *testing.T) {
	t.Run("parses durations and rule thresholds", func(t *testing.T) {
		// arrange
		raw := `
daemon:
  queue_capacity: 500
  queue_overflow_policy: drop_oldest
  time_tick_interval: 2s
  stop_loss_poll_interval: 15s
session:
  boundary: "16:10"
  timezone: America/Chicago
broker:
  base_url: https://api.example.com
  stream_url: wss://stream.example.com
accounts:
  - id: ACC1
    name: primary
rules:
  daily_loss:
    enabled: true
    limit: 1000
  no_stop_loss:
    enabled: true
    grace: 90s
`

		// act
		var config RiskDaemonConfigYAML
		err := yaml.Unmarshal([]byte(raw), &config)

		// assert
		require.NoError(t, err)
		require.NoError(t, config.Validate())
		require.Equal(t, 500, config.Daemon.QueueCapacity)
		require.Equal(t, 2*time.Second, config.Daemon.TimeTickInterval.ToDuration())
		require.Equal(t, 90*time.Second, config.Rules.NoStopLoss.Grace.ToDuration())
		require.Equal(t, 1000.0, config.Rules.DailyLoss.Limit)

		hour, minute, err := config.Session.BoundaryClock()
		require.NoError(t, err)
		require.Equal(t, 16, hour)
		require.Equal(t, 10, minute)
	})

	t.Run("rejects malformed duration", func(t *testing.T) {
		raw := `
daemon:
  time_tick_interval: five seconds
`
		var config RiskDaemonConfigYAML
		require.Error(t, yaml.Unmarshal([]byte(raw), &config))
	})

	t.Run("looks up accounts by id", func(t *testing.T) {
		config := newValidConfig()
		require.NoError(t, config.Validate())

		account, err := config.GetAccount("ACC1")
		require.NoError(t, err)
		require.Equal(t, "eval account", account.Name)

		_, err = config.GetAccount("ACC2")
		require.ErrorIs(t, err, ErrAccountNotFound)
	})
}
