package config

import (
	"cmp"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Log level and per-user layer/image changes are applied live; everything
// else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	UsersChanged bool       // true if any user was added, removed or had layers/images changed
	UserChanges  []UserDiff // per-user diffs, sorted by Discord ID

	// RestartRequired names the sections whose changes only take effect after
	// a restart.
	RestartRequired []string
}

// UserDiff describes what changed for a single user between two configs.
type UserDiff struct {
	DiscordID        Snowflake
	LayersChanged    bool
	ImagesChanged    bool
	PlacementChanged bool // slot, icon corner or icon files; needs re-provisioning
	Added            bool
	Removed          bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Advanced.LogLevel != new.Advanced.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Advanced.LogLevel
	}

	restart := func(cond bool, section string) {
		if cond {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart(old.Server != new.Server, "server")
	restart(old.Discord != new.Discord, "discord")
	restart(old.OBS != new.OBS, "obs")
	restart(!layoutEqual(old.Layout, new.Layout), "layout")
	restart(old.Icons != new.Icons, "icons")
	oldAdv, newAdv := old.Advanced, new.Advanced
	oldAdv.LogLevel, newAdv.LogLevel = "", ""
	restart(oldAdv != newAdv, "advanced")

	oldUsers := make(map[Snowflake]*UserConfig, len(old.Users))
	for i := range old.Users {
		oldUsers[old.Users[i].DiscordID] = &old.Users[i]
	}
	newUsers := make(map[Snowflake]*UserConfig, len(new.Users))
	for i := range new.Users {
		newUsers[new.Users[i].DiscordID] = &new.Users[i]
	}

	// Detect modified and removed users.
	for id, oldUser := range oldUsers {
		newUser, exists := newUsers[id]
		if !exists {
			d.UserChanges = append(d.UserChanges, UserDiff{DiscordID: id, Removed: true})
			continue
		}
		ud := diffUser(id, oldUser, newUser)
		if ud.LayersChanged || ud.ImagesChanged || ud.PlacementChanged {
			d.UserChanges = append(d.UserChanges, ud)
		}
	}

	// Detect added users.
	for id := range newUsers {
		if _, exists := oldUsers[id]; !exists {
			d.UserChanges = append(d.UserChanges, UserDiff{DiscordID: id, Added: true})
		}
	}

	slices.SortFunc(d.UserChanges, func(a, b UserDiff) int {
		return cmp.Compare(a.DiscordID, b.DiscordID)
	})
	d.UsersChanged = len(d.UserChanges) > 0
	for _, uc := range d.UserChanges {
		if uc.PlacementChanged || uc.Added {
			restart(true, "users")
			break
		}
	}
	return d
}

// diffUser compares two user configs with the same Discord ID.
func diffUser(id Snowflake, old, new *UserConfig) UserDiff {
	ud := UserDiff{DiscordID: id}

	if old.LayerNames() != new.LayerNames() {
		ud.LayersChanged = true
	}

	if old.IdleAnimation != new.IdleAnimation || old.TalkingAnimation != new.TalkingAnimation {
		ud.ImagesChanged = true
	}

	if old.PositionSlot != new.PositionSlot ||
		old.IconPosition != new.IconPosition ||
		old.CustomMuteIcon != new.CustomMuteIcon ||
		old.CustomDeafIcon != new.CustomDeafIcon {
		ud.PlacementChanged = true
	}

	return ud
}

func layoutEqual(a, b LayoutConfig) bool {
	if a.Mode != b.Mode || len(a.Positions) != len(b.Positions) {
		return false
	}
	for k, av := range a.Positions {
		if !slices.Equal(av, b.Positions[k]) {
			return false
		}
	}
	return true
}
