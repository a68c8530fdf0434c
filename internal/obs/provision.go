package obs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ItemPlan describes one image source to provision.
type ItemPlan struct {
	Source    string
	File      string
	Transform Transform
}

// UserPlan groups the three scene items of one participant.
type UserPlan struct {
	ParticipantID string
	Avatar        ItemPlan
	Mute          ItemPlan
	Deaf          ItemPlan
}

// EnsureImageSource makes sure an image source named source exists in the
// scene with the given file. Missing sources are created disabled; existing
// ones get their file updated and are hidden. It returns the scene item id.
func (c *Client) EnsureImageSource(ctx context.Context, source, file string) (int, error) {
	id, err := c.SceneItemID(ctx, source)
	switch {
	case err == nil:
		if err := c.SetImage(ctx, source, file); err != nil {
			return 0, err
		}
		if err := c.SetItemEnabled(ctx, id, false); err != nil {
			return 0, err
		}
		return id, nil
	case !IsNotFound(err):
		return 0, err
	}

	var resp struct {
		SceneItemID int `json:"sceneItemId"`
	}
	err = c.Call(ctx, "CreateInput", map[string]any{
		"sceneName":        c.cfg.Scene,
		"inputName":        source,
		"inputKind":        "image_source",
		"inputSettings":    map[string]any{"file": file},
		"sceneItemEnabled": false,
	}, &resp)
	if err != nil {
		return 0, err
	}
	c.itemsMu.Lock()
	c.items[source] = resp.SceneItemID
	c.itemsMu.Unlock()

	slog.Info("obs: created image source", "source", source, "scene", c.cfg.Scene)
	return resp.SceneItemID, nil
}

// SetTransform positions and scales a scene item.
func (c *Client) SetTransform(ctx context.Context, id int, t Transform) error {
	sx, sy := t.ScaleX, t.ScaleY
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	return c.Call(ctx, "SetSceneItemTransform", map[string]any{
		"sceneName":   c.cfg.Scene,
		"sceneItemId": id,
		"sceneItemTransform": map[string]any{
			"positionX": t.X,
			"positionY": t.Y,
			"scaleX":    sx,
			"scaleY":    sy,
		},
	}, nil)
}

// SetIndex moves a scene item to index in the scene's item list.
func (c *Client) SetIndex(ctx context.Context, id, index int) error {
	return c.Call(ctx, "SetSceneItemIndex", map[string]any{
		"sceneName":      c.cfg.Scene,
		"sceneItemId":    id,
		"sceneItemIndex": index,
	}, nil)
}

// SceneItems lists the scene items of the configured scene.
func (c *Client) SceneItems(ctx context.Context) ([]SceneItem, error) {
	var resp struct {
		SceneItems []SceneItem `json:"sceneItems"`
	}
	if err := c.Call(ctx, "GetSceneItemList", map[string]any{"sceneName": c.cfg.Scene}, &resp); err != nil {
		return nil, err
	}
	return resp.SceneItems, nil
}

// Provision creates and lays out the scene items of every plan. A failing
// participant is logged and skipped; the returned error joins all failures.
func (c *Client) Provision(ctx context.Context, plans []UserPlan) error {
	var errs []error
	for _, p := range plans {
		if err := c.provisionUser(ctx, p); err != nil {
			slog.Warn("obs: provisioning failed", "participant", p.ParticipantID, "err", err)
			errs = append(errs, fmt.Errorf("participant %s: %w", p.ParticipantID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) provisionUser(ctx context.Context, p UserPlan) error {
	items := []ItemPlan{p.Avatar, p.Mute, p.Deaf}
	ids := make([]int, len(items))
	for i, it := range items {
		id, err := c.EnsureImageSource(ctx, it.Source, it.File)
		if err != nil {
			return fmt.Errorf("ensure %q: %w", it.Source, err)
		}
		ids[i] = id
	}
	for i, it := range items {
		if err := c.SetTransform(ctx, ids[i], it.Transform); err != nil {
			return fmt.Errorf("transform %q: %w", it.Source, err)
		}
	}
	if err := c.orderAboveAvatar(ctx, ids[0], ids[1], ids[2]); err != nil {
		// Ordering is cosmetic.
		slog.Debug("obs: could not order icons above avatar", "participant", p.ParticipantID, "err", err)
	}
	return nil
}

// orderAboveAvatar stacks the three items at the highest index any of them
// occupies: avatar, then deaf, then mute on top. Moving an item to that index
// shifts the previously moved ones down by one.
func (c *Client) orderAboveAvatar(ctx context.Context, avatar, mute, deaf int) error {
	items, err := c.SceneItems(ctx)
	if err != nil {
		return err
	}
	top, found := -1, 0
	for _, it := range items {
		if it.ID == avatar || it.ID == mute || it.ID == deaf {
			top = max(top, it.Index)
			found++
		}
	}
	if found != 3 {
		return fmt.Errorf("only %d of 3 scene items listed", found)
	}
	for _, id := range []int{avatar, deaf, mute} {
		if err := c.SetIndex(ctx, id, top); err != nil {
			return err
		}
	}
	return nil
}
