// Package overlay holds the overlay state machine: the single writer of
// visibility commands for every configured participant's avatar, mute icon
// and deaf icon layers.
//
// [Machine] turns presence and speaking changes into a minimal diff of
// [Command] values, never sending a value it has already sent for the same
// layer. [Dispatcher] executes those commands against a [Sink] with one
// ordered worker per participant, so commands for the same participant are
// applied in emission order while different participants proceed in parallel.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layer identifies one of the three overlay elements of a participant.
type Layer int

const (
	// LayerAvatar is the participant's avatar image.
	LayerAvatar Layer = iota

	// LayerMute is the mute icon.
	LayerMute

	// LayerDeaf is the deaf icon.
	LayerDeaf
)

// layerCount is the number of layers per participant.
const layerCount = 3

// allLayers lists every layer in command order.
var allLayers = [layerCount]Layer{LayerAvatar, LayerMute, LayerDeaf}

// String returns the lower-case layer name used in logs and metrics.
func (l Layer) String() string {
	switch l {
	case LayerAvatar:
		return "avatar"
	case LayerMute:
		return "mute"
	case LayerDeaf:
		return "deaf"
	default:
		return "unknown"
	}
}

// Layers maps a participant's layers to OBS scene item names.
type Layers struct {
	Avatar string
	Mute   string
	Deaf   string
}

// Name returns the scene item name of layer l.
func (ls Layers) Name(l Layer) string {
	switch l {
	case LayerAvatar:
		return ls.Avatar
	case LayerMute:
		return ls.Mute
	case LayerDeaf:
		return ls.Deaf
	default:
		return ""
	}
}

// Validate reports every missing or duplicated scene item name.
func (ls Layers) Validate() error {
	var errs []error
	seen := make(map[string]Layer, layerCount)
	for _, l := range allLayers {
		name := strings.TrimSpace(ls.Name(l))
		if name == "" {
			errs = append(errs, fmt.Errorf("%s layer has no scene item name", l))
			continue
		}
		if other, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s layer reuses scene item %q of %s layer", l, name, other))
			continue
		}
		seen[name] = l
	}
	return errors.Join(errs...)
}

// Images holds the avatar image files swapped while a participant speaks.
type Images struct {
	Idle    string
	Talking string
}

// Enabled reports whether both images are configured.
func (im Images) Enabled() bool {
	return im.Idle != "" && im.Talking != ""
}

// Participant is the overlay configuration of one participant.
type Participant struct {
	ID     string
	Name   string
	Layers Layers
	Images Images
}

// CommandKind classifies a [Command].
type CommandKind int

const (
	// KindVisibility shows or hides a scene item.
	KindVisibility CommandKind = iota

	// KindImage replaces the file of an image source.
	KindImage
)

// String returns the command kind name.
func (k CommandKind) String() string {
	switch k {
	case KindVisibility:
		return "visibility"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Command is a single idempotent instruction for the overlay sink.
type Command struct {
	// ParticipantID attributes the command for ordering and failure logs.
	ParticipantID string

	Kind  CommandKind
	Layer Layer

	// Target is the scene item (visibility) or input (image) name.
	Target string

	// Visible is the desired visibility for KindVisibility.
	Visible bool

	// File is the image path for KindImage.
	File string
}

// String returns a compact description for logs.
func (c Command) String() string {
	if c.Kind == KindImage {
		return fmt.Sprintf("%s:%s image=%s", c.ParticipantID, c.Layer, c.File)
	}
	return fmt.Sprintf("%s:%s visible=%t", c.ParticipantID, c.Layer, c.Visible)
}

// Sink applies visibility changes to named scene items. Setting a scene item
// to its current visibility must be a harmless no-op.
type Sink interface {
	SetVisible(ctx context.Context, name string, visible bool) error
}

// ImageSink is implemented by sinks that can swap the file of an image source.
type ImageSink interface {
	SetImage(ctx context.Context, source, file string) error
}

// FadeSink is implemented by sinks that can fade a scene item in or out over
// d instead of toggling it. Fade must leave the item at the requested
// visibility when it returns nil.
type FadeSink interface {
	Fade(ctx context.Context, name string, visible bool, d time.Duration) error
}
