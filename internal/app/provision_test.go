package app_test

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/pngtuberbot/internal/app"
	"github.com/MrWong99/pngtuberbot/internal/config"
	"github.com/MrWong99/pngtuberbot/internal/obs"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

func TestPlans(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	idle := filepath.Join(dir, "alice_idle.png")
	icon := filepath.Join(dir, "mute.png")
	writePNG(t, idle, 300, 150)
	writePNG(t, icon, 32, 32)

	cfg := testConfig()
	cfg.Layout.Positions = map[string][]float64{
		"slot_1": {10, 20},
		"slot_2": {400, 20},
		"slot_3": {0, 0}, "slot_4": {0, 0}, "slot_5": {0, 0}, "slot_6": {0, 0},
	}
	cfg.Icons.MuteDefault = icon
	cfg.Icons.DeafDefault = filepath.Join(dir, "missing_deaf.png")
	cfg.Icons.Size = 64
	cfg.Users[0].IdleAnimation = idle
	cfg.Users[0].PositionSlot = 2
	cfg.Users[0].IconPosition = config.IconTopRight
	cfg.Users[1].IconPosition = config.IconBottomLeft
	cfg.Users[1].CustomMuteIcon = icon

	plans, err := app.Plans(cfg)
	if err != nil {
		t.Fatalf("Plans: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("len = %d, want 2", len(plans))
	}

	alice, bob := plans[0], plans[1]
	if alice.ParticipantID != aliceID || bob.ParticipantID != bobID {
		t.Fatalf("order = %s, %s", alice.ParticipantID, bob.ParticipantID)
	}

	tests := []struct {
		name string
		got  obs.ItemPlan
		want obs.ItemPlan
	}{
		{
			name: "alice avatar in slot 2",
			got:  alice.Avatar,
			want: obs.ItemPlan{Source: "pngtuber_" + aliceID, File: idle, Transform: obs.Transform{X: 400, Y: 20, ScaleX: 1, ScaleY: 1}},
		},
		{
			name: "alice mute icon top right",
			got:  alice.Mute,
			want: obs.ItemPlan{Source: "pngtuber_" + aliceID + "_mute", File: icon, Transform: obs.Transform{X: 636, Y: 20, ScaleX: 2, ScaleY: 2}},
		},
		{
			name: "alice deaf icon stacked below, unreadable file keeps native scale",
			got:  alice.Deaf,
			want: obs.ItemPlan{Source: "pngtuber_" + aliceID + "_deaf", File: cfg.Icons.DeafDefault, Transform: obs.Transform{X: 636, Y: 86, ScaleX: 1, ScaleY: 1}},
		},
		{
			name: "bob avatar auto-assigned slot 1 with fallback size",
			got:  bob.Avatar,
			want: obs.ItemPlan{Source: "pngtuber_" + bobID, File: "/img/bob_idle.png", Transform: obs.Transform{X: 10, Y: 20, ScaleX: 1, ScaleY: 1}},
		},
		{
			name: "bob mute icon bottom left",
			got:  bob.Mute,
			want: obs.ItemPlan{Source: "pngtuber_" + bobID + "_mute", File: icon, Transform: obs.Transform{X: 10, Y: 156, ScaleX: 2, ScaleY: 2}},
		},
		{
			name: "bob deaf icon stacked above",
			got:  bob.Deaf,
			want: obs.ItemPlan{Source: "pngtuber_" + bobID + "_deaf", File: cfg.Icons.DeafDefault, Transform: obs.Transform{X: 10, Y: 90, ScaleX: 1, ScaleY: 1}},
		},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s:\n got  %+v\n want %+v", tt.name, tt.got, tt.want)
		}
	}
}

func TestPlans_MissingSlotPosition(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Layout.Positions = map[string][]float64{"slot_2": {0, 0}}
	if _, err := app.Plans(cfg); err == nil {
		t.Fatal("Plans() succeeded without a position for slot_1")
	}
}
