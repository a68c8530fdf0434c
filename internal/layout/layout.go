// Package layout places participant avatars and their mute/deaf icons on the
// overlay canvas using the fixed six-slot "simple" layout.
package layout

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"

	// Registered decoders for reading avatar and icon dimensions.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// MaxSlots is the number of avatar positions in the simple layout.
const MaxSlots = 6

// IconSpacing is the gap in pixels between stacked icons.
const IconSpacing = 2

// FallbackSize is used for an avatar whose image cannot be read.
var FallbackSize = Size{W: 200, H: 200}

// ErrNoFreeSlot is returned when more users are configured than slots exist.
var ErrNoFreeSlot = errors.New("layout: no free slots remaining (simple layout supports max 6 users)")

// Corner is the avatar corner the icons are anchored to.
type Corner string

// Icon anchor corners.
const (
	TopRight    Corner = "top-right"
	TopLeft     Corner = "top-left"
	BottomRight Corner = "bottom-right"
	BottomLeft  Corner = "bottom-left"
)

// Valid reports whether c is one of the four known corners.
func (c Corner) Valid() bool {
	switch c {
	case TopRight, TopLeft, BottomRight, BottomLeft:
		return true
	}
	return false
}

func (c Corner) top() bool  { return c == TopRight || c == TopLeft }
func (c Corner) left() bool { return c == TopLeft || c == BottomLeft }

// Point is a canvas position in pixels.
type Point struct {
	X, Y float64
}

// Size is a width and height in pixels.
type Size struct {
	W, H float64
}

// User is the layout-relevant part of a participant's configuration.
type User struct {
	ID string

	// Slot is the requested slot in 1..MaxSlots, or 0 for automatic.
	Slot int

	IconCorner Corner
}

// UserLayout is the computed placement for one participant.
type UserLayout struct {
	ID     string
	Slot   int
	Avatar Point
	Size   Size
	Mute   Point
	Deaf   Point
}

// AssignSlots maps each user to a slot. Unique, in-range explicit slots are
// honoured first; everyone else gets the lowest free slot in list order.
// Duplicate or out-of-range requests are logged and auto-assigned.
func AssignSlots(users []User) (map[string]int, error) {
	taken := make(map[int]bool, MaxSlots)
	out := make(map[string]int, len(users))

	for _, u := range users {
		if u.Slot == 0 {
			continue
		}
		switch {
		case u.Slot < 1 || u.Slot > MaxSlots:
			slog.Warn("layout: invalid position_slot, auto-assigning", "participant", u.ID, "slot", u.Slot)
			continue
		case taken[u.Slot]:
			slog.Warn("layout: duplicate position_slot, auto-assigning", "participant", u.ID, "slot", u.Slot)
			continue
		}
		taken[u.Slot] = true
		out[u.ID] = u.Slot
	}

	for _, u := range users {
		if _, ok := out[u.ID]; ok {
			continue
		}
		slot := 0
		for s := 1; s <= MaxSlots; s++ {
			if !taken[s] {
				slot = s
				break
			}
		}
		if slot == 0 {
			return nil, ErrNoFreeSlot
		}
		taken[slot] = true
		out[u.ID] = slot
	}
	return out, nil
}

// ComputeUserLayout places an avatar of the given size at pos and anchors the
// mute icon (stack index 0) and deaf icon (stack index 1) to corner. Icons
// stack downward from top corners and upward from bottom corners.
func ComputeUserLayout(id string, slot int, pos Point, avatar Size, corner Corner, iconSize float64) UserLayout {
	return UserLayout{
		ID:     id,
		Slot:   slot,
		Avatar: pos,
		Size:   avatar,
		Mute:   iconAnchor(pos, avatar, corner, iconSize, 0),
		Deaf:   iconAnchor(pos, avatar, corner, iconSize, 1),
	}
}

func iconAnchor(pos Point, avatar Size, corner Corner, iconSize float64, stack int) Point {
	dy := float64(stack) * (iconSize + IconSpacing)
	if !corner.top() {
		dy = -dy
	}

	x := pos.X
	if !corner.left() {
		x += max(0, avatar.W-iconSize)
	}
	y := pos.Y + dy
	if !corner.top() {
		y += max(0, avatar.H-iconSize)
	}
	return Point{X: x, Y: y}
}

// Compute assigns slots and places every user. positions maps slot numbers to
// canvas positions; avatarSize returns the avatar size for a user ID.
func Compute(users []User, positions map[int]Point, avatarSize func(id string) Size, iconSize float64) ([]UserLayout, error) {
	slots, err := AssignSlots(users)
	if err != nil {
		return nil, err
	}
	out := make([]UserLayout, 0, len(users))
	for _, u := range users {
		slot := slots[u.ID]
		pos, ok := positions[slot]
		if !ok {
			return nil, fmt.Errorf("layout: missing position for slot_%d", slot)
		}
		corner := u.IconCorner
		if !corner.Valid() {
			corner = TopRight
		}
		out = append(out, ComputeUserLayout(u.ID, slot, pos, avatarSize(u.ID), corner, iconSize))
	}
	return out, nil
}

// ImageSize returns the pixel dimensions of the image at path.
func ImageSize(path string) (Size, error) {
	f, err := os.Open(path)
	if err != nil {
		return Size{}, fmt.Errorf("layout: open image: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Size{}, fmt.Errorf("layout: decode image %q: %w", path, err)
	}
	return Size{W: float64(cfg.Width), H: float64(cfg.Height)}, nil
}

// AvatarSize returns the size of the image at path, or [FallbackSize] when it
// cannot be read.
func AvatarSize(path string) Size {
	s, err := ImageSize(path)
	if err != nil || s.W == 0 || s.H == 0 {
		return FallbackSize
	}
	return s
}

// IconScale returns the scale factors that render the image at path at
// iconSize pixels. Unreadable images keep their native scale.
func IconScale(path string, iconSize float64) (sx, sy float64) {
	s, err := ImageSize(path)
	if err != nil || s.W == 0 || s.H == 0 {
		return 1, 1
	}
	return iconSize / s.W, iconSize / s.H
}
