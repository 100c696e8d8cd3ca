package config

import (
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

type hooksTestConfig struct {
	Staleness  time.Duration
	Addrs      []string
	RunnerType model.RunnerType
}

func TestCustomHooks(t *testing.T) {
	v := viper.New()
	v.Set("staleness", "30s")
	v.Set("addrs", "a:6379,b:6379")
	v.Set("runnerType", "group")

	var config hooksTestConfig
	require.NoError(t, v.Unmarshal(&config, CustomHooks...))
	assert.Equal(t, hooksTestConfig{
		Staleness:  30 * time.Second,
		Addrs:      []string{"a:6379", "b:6379"},
		RunnerType: model.GroupRunner,
	}, config)
}

func TestRunnerTypeDecodeHook_Invalid(t *testing.T) {
	var config hooksTestConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: RunnerTypeDecodeHook(),
		Result:     &config,
	})
	require.NoError(t, err)
	assert.Error(t, decoder.Decode(map[string]interface{}{"runnerType": "shared-ish"}))
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		config RedisConfig
		valid  bool
	}{
		"valid": {
			config: RedisConfig{Addrs: []string{"localhost:6379"}, PoolSize: 10},
			valid:  true,
		},
		"missing addrs": {
			config: RedisConfig{PoolSize: 10},
		},
		"db out of range": {
			config: RedisConfig{Addrs: []string{"localhost:6379"}, PoolSize: 10, DB: 17},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := Validate(tc.config)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				// Shouldn't panic on either form.
				LogValidationErrors(err)
				LogValidationErrors(multierror.Append(nil, err))
			}
		})
	}
}

func TestRedisConfig_AsUniversalOptions(t *testing.T) {
	rc := RedisConfig{
		Addrs:           []string{"localhost:6379"},
		DB:              2,
		MinRetryBackoff: time.Millisecond,
		MaxRetryBackoff: time.Second,
		PoolSize:        5,
		MaxConnAge:      time.Minute,
		IdleTimeout:     time.Hour,
	}
	opts := rc.AsUniversalOptions()
	assert.Equal(t, []string{"localhost:6379"}, opts.Addrs)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, time.Millisecond, opts.MinRetryBackoff)
	assert.Equal(t, time.Second, opts.MaxRetryBackoff)
	assert.Equal(t, time.Minute, opts.ConnMaxLifetime)
	assert.Equal(t, time.Hour, opts.ConnMaxIdleTime)
}
