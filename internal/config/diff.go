package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	TeamsAdded   []string
	TeamsRemoved []string
	TeamsChanged []string

	EngineChanged bool
	NewEngine     EngineConfig

	SchedulerChanged bool
	NewPollInterval  SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.TeamsAdded) > 0 ||
		len(d.TeamsRemoved) > 0 ||
		len(d.TeamsChanged) > 0 ||
		d.EngineChanged ||
		d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	oldTeams := teamsByName(old.Teams)
	newTeams := teamsByName(new.Teams)

	for name := range newTeams {
		if _, ok := oldTeams[name]; !ok {
			d.TeamsAdded = append(d.TeamsAdded, name)
		}
	}
	for name := range oldTeams {
		if _, ok := newTeams[name]; !ok {
			d.TeamsRemoved = append(d.TeamsRemoved, name)
		}
	}
	for name, newTeam := range newTeams {
		if oldTeam, ok := oldTeams[name]; ok {
			if !reflect.DeepEqual(oldTeam, newTeam) {
				d.TeamsChanged = append(d.TeamsChanged, name)
			}
		}
	}

	if old.Engine != new.Engine {
		d.EngineChanged = true
		d.NewEngine = new.Engine
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler
	}

	// Non-reloadable warnings
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}

func teamsByName(teams []TeamConfig) map[string]TeamConfig {
	m := make(map[string]TeamConfig, len(teams))
	for _, t := range teams {
		m[t.Name] = t
	}
	return m
}
