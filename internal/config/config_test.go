package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultDesktopQuota, cfg.Profiles.Desktop.Target())
	assert.Equal(t, DefaultMobileQuota, cfg.Profiles.Mobile.Target())
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, "url", cfg.Search.Submit)
	assert.Zero(t, cfg.Search.BreakerThreshold, "misses move on unless a threshold is configured")
	assert.Equal(t, "sqlite", cfg.Progress.Backend)
	assert.NotEmpty(t, cfg.Activities.CardSelectors)
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout())
}

func TestLoadKeepsExplicitZeroQuota(t *testing.T) {
	path := writeConfig(t, `
profiles:
  mobile:
    quota: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Profiles.Mobile.Target())
	assert.Equal(t, DefaultDesktopQuota, cfg.Profiles.Desktop.Target())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REWARDS_PROGRESS_PATH", "/tmp/ledger.db")
	t.Setenv("REWARDS_HEADLESS", "true")
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("REWARDS_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "browser:\n  headless: false\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ledger.db", cfg.Progress.Path)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Storage.MongoDB.URI)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "searches:\n  count: 3\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"submit mode":  "search:\n  submit: click\n",
		"backend":      "progress:\n  backend: redis\n",
		"mongo no uri": "progress:\n  backend: mongo\n",
		"source":       "query:\n  sources: [\"weather\"]\n",
		"timezone":     "progress:\n  timezone: Mars/Olympus\n",
		"hours":        "schedule:\n  start_hour: 20\n  end_hour: 10\n",
		"work day":     "schedule:\n  work_days: [\"funday\"]\n",
		"quota":        "profiles:\n  desktop:\n    quota: -1\n",
		"account name": "accounts:\n  - name: \"a/b\"\n    user_data_dir: x\n",
		"account dup":  "accounts:\n  - {name: a, user_data_dir: x}\n  - {name: a, user_data_dir: y}\n",
		"account dir":  "accounts:\n  - {name: a, user_data_dir: x}\n  - {name: b, user_data_dir: x}\n",
		"account none": "accounts:\n  - {name: a}\n",
	}
	t.Setenv("MONGODB_URI", "")
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestWorkDays(t *testing.T) {
	cfg := &Config{Schedule: ScheduleConfig{WorkDays: []string{"Mon", "friday"}}}
	days, err := cfg.WorkDays()
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, days)
}

func TestLocation(t *testing.T) {
	cfg := &Config{}
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	cfg.Progress.Timezone = "Europe/Berlin"
	loc, err = cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestAccountList(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
browser:
  user_data_dir: data/profile
search:
  market: en-US
`))
	require.NoError(t, err)
	assert.Equal(t, []AccountConfig{{UserDataDir: "data/profile", Market: "en-US"}}, cfg.AccountList())
	_, err = cfg.Account("")
	assert.NoError(t, err)

	cfg, err = Load(writeConfig(t, `
accounts:
  - name: home
    user_data_dir: data/home
  - name: work
    user_data_dir: data/work
    market: en-GB
`))
	require.NoError(t, err)
	require.Len(t, cfg.AccountList(), 2)
	work, err := cfg.Account("work")
	require.NoError(t, err)
	assert.Equal(t, "data/work", work.UserDataDir)
	assert.Equal(t, "en-GB", work.Market)
	_, err = cfg.Account("")
	assert.Error(t, err)
}

func TestUserAgentForMarket(t *testing.T) {
	p := ProfileConfig{
		UserAgent:  "default-ua",
		UserAgents: map[string]string{"GB": "gb-ua", "de-DE": "de-ua"},
	}
	assert.Equal(t, "gb-ua", p.UserAgentFor("en-GB"))
	assert.Equal(t, "gb-ua", p.UserAgentFor("gb"))
	assert.Equal(t, "de-ua", p.UserAgentFor("de-de"))
	assert.Equal(t, "default-ua", p.UserAgentFor("fr-FR"))
	assert.Equal(t, "default-ua", p.UserAgentFor(""))
}
