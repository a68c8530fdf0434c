package app

import (
	"fmt"

	"github.com/MrWong99/pngtuberbot/internal/config"
	"github.com/MrWong99/pngtuberbot/internal/layout"
	"github.com/MrWong99/pngtuberbot/internal/obs"
)

// Plans lays out every configured user and returns the scene items to
// provision. Avatar sizes are read from the idle images; icons are scaled to
// icons.size.
func Plans(cfg *config.Config) ([]obs.UserPlan, error) {
	users := make([]layout.User, 0, len(cfg.Users))
	byID := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		id := string(u.DiscordID)
		byID[id] = u
		users = append(users, layout.User{
			ID:         id,
			Slot:       u.PositionSlot,
			IconCorner: layout.Corner(u.IconPosition),
		})
	}

	positions := make(map[int]layout.Point, layout.MaxSlots)
	for n := 1; n <= layout.MaxSlots; n++ {
		if x, y, ok := cfg.Layout.Slot(n); ok {
			positions[n] = layout.Point{X: float64(x), Y: float64(y)}
		}
	}

	iconSize := float64(cfg.Icons.Size)
	placed, err := layout.Compute(users, positions, func(id string) layout.Size {
		return layout.AvatarSize(byID[id].IdleAnimation)
	}, iconSize)
	if err != nil {
		return nil, fmt.Errorf("app: compute layout: %w", err)
	}

	plans := make([]obs.UserPlan, 0, len(placed))
	for _, ul := range placed {
		u := byID[ul.ID]
		names := u.LayerNames()
		muteIcon, deafIcon := u.MuteIcon(cfg.Icons), u.DeafIcon(cfg.Icons)
		plans = append(plans, obs.UserPlan{
			ParticipantID: ul.ID,
			Avatar: obs.ItemPlan{
				Source:    names.Avatar,
				File:      u.IdleAnimation,
				Transform: obs.Transform{X: ul.Avatar.X, Y: ul.Avatar.Y, ScaleX: 1, ScaleY: 1},
			},
			Mute: obs.ItemPlan{
				Source:    names.Mute,
				File:      muteIcon,
				Transform: iconTransform(ul.Mute, muteIcon, iconSize),
			},
			Deaf: obs.ItemPlan{
				Source:    names.Deaf,
				File:      deafIcon,
				Transform: iconTransform(ul.Deaf, deafIcon, iconSize),
			},
		})
	}
	return plans, nil
}

func iconTransform(at layout.Point, file string, size float64) obs.Transform {
	sx, sy := layout.IconScale(file, size)
	return obs.Transform{X: at.X, Y: at.Y, ScaleX: sx, ScaleY: sy}
}
