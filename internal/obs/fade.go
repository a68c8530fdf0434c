package obs

import (
	"context"
	"errors"
	"time"
)

const (
	fadeFilterName = "PNGTuberBotOpacity"

	// fadeFilterKind is the Color Correction filter, which exposes opacity.
	fadeFilterKind = "color_filter"

	fadeFPS = 30
)

// opacityFilter is the fade filter of one source. OBS versions disagree on
// the setting name and scale, so both are read from the filter defaults.
type opacityFilter struct {
	key string
	max float64
}

func (f opacityFilter) value(frac float64) float64 {
	return min(max(frac, 0), 1) * f.max
}

// Fade implements [overlay.FadeSink]. It ramps an opacity filter on the
// source named name at 30 steps per second, showing the scene item before a
// fade in and hiding it after a fade out. The filter is created on first use.
// A non-positive d toggles visibility.
func (c *Client) Fade(ctx context.Context, name string, visible bool, d time.Duration) error {
	if d <= 0 {
		return c.SetVisible(ctx, name, visible)
	}
	f, err := c.ensureOpacityFilter(ctx, name)
	if err != nil {
		return err
	}

	steps := max(1, int(d.Seconds()*fadeFPS))
	delay := d / time.Duration(steps)

	err = c.fade(ctx, name, f, visible, steps, delay)
	if err != nil && ctx.Err() == nil {
		// Leave the source opaque so an instant toggle is still visible.
		_ = c.setOpacity(ctx, name, f, 1)
	}
	return err
}

func (c *Client) fade(ctx context.Context, name string, f opacityFilter, visible bool, steps int, delay time.Duration) error {
	if visible {
		if err := c.setOpacity(ctx, name, f, 0); err != nil {
			return err
		}
		if err := c.SetVisible(ctx, name, true); err != nil {
			return err
		}
		for i := 1; i <= steps; i++ {
			if err := c.setOpacity(ctx, name, f, float64(i)/float64(steps)); err != nil {
				return err
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		return nil
	}

	for i := steps - 1; i >= 0; i-- {
		if err := c.setOpacity(ctx, name, f, float64(i)/float64(steps)); err != nil {
			return err
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	if err := c.SetVisible(ctx, name, false); err != nil {
		return err
	}
	// Hidden now; restore opacity for the next show.
	return c.setOpacity(ctx, name, f, 1)
}

func (c *Client) setOpacity(ctx context.Context, source string, f opacityFilter, frac float64) error {
	return c.Call(ctx, "SetSourceFilterSettings", map[string]any{
		"sourceName":     source,
		"filterName":     fadeFilterName,
		"filterSettings": map[string]any{f.key: f.value(frac)},
	}, nil)
}

// ensureOpacityFilter returns the fade filter of source, creating it at full
// opacity when missing.
func (c *Client) ensureOpacityFilter(ctx context.Context, source string) (opacityFilter, error) {
	c.itemsMu.Lock()
	f, ok := c.filters[source]
	c.itemsMu.Unlock()
	if ok {
		return f, nil
	}

	f, err := c.opacityDefaults(ctx)
	if err != nil {
		return opacityFilter{}, err
	}

	err = c.Call(ctx, "GetSourceFilter", map[string]any{
		"sourceName": source,
		"filterName": fadeFilterName,
	}, nil)
	switch {
	case IsNotFound(err):
		err = c.Call(ctx, "CreateSourceFilter", map[string]any{
			"sourceName":     source,
			"filterName":     fadeFilterName,
			"filterKind":     fadeFilterKind,
			"filterSettings": map[string]any{f.key: f.max},
		}, nil)
		if err != nil {
			return opacityFilter{}, err
		}
	case err != nil:
		return opacityFilter{}, err
	}

	c.itemsMu.Lock()
	c.filters[source] = f
	c.itemsMu.Unlock()
	return f, nil
}

// opacityDefaults reads the opacity setting of the filter kind. OBS versions
// that reject the request get the classic "opacity" on a 0-100 scale.
func (c *Client) opacityDefaults(ctx context.Context) (opacityFilter, error) {
	f := opacityFilter{key: "opacity", max: 100}

	var resp struct {
		DefaultFilterSettings map[string]any `json:"defaultFilterSettings"`
	}
	err := c.Call(ctx, "GetSourceFilterDefaultSettings", map[string]any{"filterKind": fadeFilterKind}, &resp)
	var re *RequestError
	switch {
	case errors.As(err, &re):
		return f, nil
	case err != nil:
		return opacityFilter{}, err
	}

	for _, key := range []string{"opacity", "alpha"} {
		v, ok := resp.DefaultFilterSettings[key]
		if !ok {
			continue
		}
		f.key = key
		if n, ok := v.(float64); ok && n > 0 {
			f.max = n
		}
		break
	}
	return f, nil
}
