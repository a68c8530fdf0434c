package obs

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

// filterHandler serves one scene item and a fade filter that does not exist
// until it is created. defaults is the GetSourceFilterDefaultSettings answer;
// nil makes the request fail.
func filterHandler(defaults map[string]any) handlerFunc {
	var mu sync.Mutex
	created := false
	return func(reqType string, data map[string]any) (int, any) {
		mu.Lock()
		defer mu.Unlock()
		switch reqType {
		case "GetSceneItemId":
			return StatusSuccess, map[string]any{"sceneItemId": 3}
		case "GetSourceFilterDefaultSettings":
			if defaults == nil {
				return 204, nil
			}
			return StatusSuccess, map[string]any{"defaultFilterSettings": defaults}
		case "GetSourceFilter":
			if !created {
				return StatusResourceNotFound, nil
			}
		case "CreateSourceFilter":
			created = true
		}
		return StatusSuccess, nil
	}
}

// opacities returns the opacity values sent with SetSourceFilterSettings.
func opacities(reqs []recvRequest, key string) []float64 {
	var out []float64
	for _, r := range reqs {
		if r.Type != "SetSourceFilterSettings" {
			continue
		}
		settings, _ := r.Data["filterSettings"].(map[string]any)
		v, _ := settings[key].(float64)
		out = append(out, v)
	}
	return out
}

func TestFade_InCreatesFilterAndRamps(t *testing.T) {
	t.Parallel()

	f, cfg := startFakeOBS(t, "", filterHandler(map[string]any{"opacity": 1.0}))
	c := connect(t, cfg)

	start := time.Now()
	if err := c.Fade(context.Background(), "pngtuber_1", true, 100*time.Millisecond); err != nil {
		t.Fatalf("Fade: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("fade took %v, want about 100ms", elapsed)
	}

	types := f.requestTypes()
	wantPrefix := []string{
		"GetSourceFilterDefaultSettings",
		"GetSourceFilter",
		"CreateSourceFilter",
		"SetSourceFilterSettings",
		"GetSceneItemId",
		"SetSceneItemEnabled",
	}
	if len(types) < len(wantPrefix) || !slices.Equal(types[:len(wantPrefix)], wantPrefix) {
		t.Fatalf("requests = %v, want prefix %v", types, wantPrefix)
	}

	reqs := f.Requests()
	create := reqs[2].Data
	if create["filterKind"] != "color_filter" || create["filterName"] != "PNGTuberBotOpacity" {
		t.Errorf("create = %+v", create)
	}
	got := opacities(reqs, "opacity")
	if want := []float64{0, 1.0 / 3, 2.0 / 3, 1}; !approxEqual(got, want) {
		t.Errorf("opacities = %v, want %v", got, want)
	}
	if reqs[5].Data["sceneItemEnabled"] != true {
		t.Errorf("scene item not shown: %+v", reqs[5].Data)
	}
}

func TestFade_OutHidesAndRestoresOpacity(t *testing.T) {
	t.Parallel()

	f, cfg := startFakeOBS(t, "", filterHandler(nil))
	c := connect(t, cfg)
	ctx := context.Background()

	if err := c.Fade(ctx, "pngtuber_1", false, 100*time.Millisecond); err != nil {
		t.Fatalf("Fade: %v", err)
	}
	// Second fade reuses the cached filter.
	if err := c.Fade(ctx, "pngtuber_1", false, 100*time.Millisecond); err != nil {
		t.Fatalf("second Fade: %v", err)
	}

	reqs := f.Requests()
	creates := 0
	for _, r := range reqs {
		if r.Type == "CreateSourceFilter" {
			creates++
			settings, _ := r.Data["filterSettings"].(map[string]any)
			if settings["opacity"] != float64(100) {
				t.Errorf("fallback filter settings = %+v, want opacity 100", settings)
			}
		}
	}
	if creates != 1 {
		t.Errorf("filters created = %d, want 1", creates)
	}

	got := opacities(reqs, "opacity")
	want := []float64{200.0 / 3, 100.0 / 3, 0, 100, 200.0 / 3, 100.0 / 3, 0, 100}
	if !approxEqual(got, want) {
		t.Errorf("opacities = %v, want %v", got, want)
	}
	last := reqs[len(reqs)-2]
	if last.Type != "SetSceneItemEnabled" || last.Data["sceneItemEnabled"] != false {
		t.Errorf("hide not sent before final restore: %+v", last)
	}
}

func TestFade_AlphaKey(t *testing.T) {
	t.Parallel()

	f, cfg := startFakeOBS(t, "", filterHandler(map[string]any{"alpha": 255.0}))
	c := connect(t, cfg)

	if err := c.Fade(context.Background(), "pngtuber_1", true, 30*time.Millisecond); err != nil {
		t.Fatalf("Fade: %v", err)
	}
	if got := opacities(f.Requests(), "alpha"); !approxEqual(got, []float64{0, 255}) {
		t.Errorf("alpha values = %v, want [0 255]", got)
	}
}

func TestFade_ZeroDurationToggles(t *testing.T) {
	t.Parallel()

	f, cfg := startFakeOBS(t, "", sceneItems(map[string]int{"pngtuber_1": 3}))
	c := connect(t, cfg)

	if err := c.Fade(context.Background(), "pngtuber_1", true, 0); err != nil {
		t.Fatalf("Fade: %v", err)
	}
	if types := f.requestTypes(); !slices.Equal(types, []string{"GetSceneItemId", "SetSceneItemEnabled"}) {
		t.Errorf("requests = %v", types)
	}
}

func TestFade_MissingSourceFails(t *testing.T) {
	t.Parallel()

	handler := func(reqType string, _ map[string]any) (int, any) {
		if reqType == "GetSourceFilter" || reqType == "CreateSourceFilter" {
			return StatusResourceNotFound, nil
		}
		return StatusSuccess, nil
	}
	_, cfg := startFakeOBS(t, "", handler)
	c := connect(t, cfg)

	err := c.Fade(context.Background(), "gone", true, 50*time.Millisecond)
	var re *RequestError
	if !errors.As(err, &re) || re.RequestType != "CreateSourceFilter" {
		t.Errorf("err = %v, want CreateSourceFilter request error", err)
	}
}

func approxEqual(got, want []float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if d := got[i] - want[i]; d > 1e-9 || d < -1e-9 {
			return false
		}
	}
	return true
}
