package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/cortexpuppet/internal/assets"
	"github.com/normanking/cortexpuppet/internal/bus"
	"github.com/normanking/cortexpuppet/internal/config"
	"github.com/normanking/cortexpuppet/internal/engine"
	"github.com/normanking/cortexpuppet/internal/loader"
	"github.com/normanking/cortexpuppet/internal/logging"
	"github.com/normanking/cortexpuppet/internal/metrics"
	"github.com/normanking/cortexpuppet/internal/motion"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/normanking/cortexpuppet/internal/render"
	"github.com/normanking/cortexpuppet/internal/render/glsurface"
	"github.com/normanking/cortexpuppet/internal/speech"
	"github.com/normanking/cortexpuppet/internal/tracking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func init() {
	// GLFW and the GL context live on the main OS thread.
	runtime.LockOSThread()
}

var demoEmotions = []string{"happy", "sad", "angry", "surprised", "neutral"}

const demoLine = "Hello there! It is nice to finally meet you."

type viewer struct {
	eng      *engine.Engine
	lip      *speech.LipSync
	logger   *logging.Logger
	catalog  *assets.Catalog
	feed     *tracking.WSFeed
	timeout  time.Duration
	flourish string

	mu     sync.Mutex
	models []puppet.Descriptor

	emotion int
	mode    motion.TrackingMode
}

func runViewer(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Info("viewer", "Logging to file", map[string]any{"path": logger.GetLogPath()})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		m = metrics.New(reg, cfg.Metrics.Namespace)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics", "Metrics server stopped", err, nil)
			}
		}()
		defer srv.Close()
		logger.Info("metrics", "Serving metrics", map[string]any{"addr": cfg.Metrics.Addr})
	}

	catalog, manifest, err := buildCatalog(cfg, logger.Component("assets"))
	if err != nil {
		return err
	}
	if manifest != nil {
		defer manifest.Close()
	}

	listCtx, cancel := context.WithTimeout(ctx, fetchTimeout(cfg))
	models, err := catalog.List(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	if err := glfw.Init(); err != nil {
		return fmt.Errorf("initialize glfw: %w", err)
	}
	defer glfw.Terminate()

	spec := render.SurfaceSpec{
		Title:       cfg.Surface.Title,
		Width:       cfg.Surface.Width,
		Height:      cfg.Surface.Height,
		PixelRatio:  cfg.Surface.PixelRatio,
		Transparent: cfg.Surface.Transparent,
	}
	backend, err := glsurface.NewBackend(spec, glsurface.DefaultConfig(), logger.Zerolog())
	if err != nil {
		return err
	}
	defer backend.Close()

	store := tracking.NewStore(cfg.Tracking.MaxSampleAge)
	lip := speech.NewLipSync()

	eng, err := engine.New(engine.Options{
		Backend: backend,
		Surface: spec,
		Fetcher: assets.NewFetcher(assets.FetcherOptions{
			Client:     &http.Client{Timeout: fetchTimeout(cfg)},
			Attempts:   cfg.Assets.Attempts,
			RetryDelay: cfg.Assets.RetryDelay,
			Logger:     logger.Zerolog(),
		}),
		Tracking: store,
		Speech:   lip,
		Mapper: motion.Config{
			BlendFactor: cfg.Motion.BlendFactor,
			Mode:        cfg.TrackingMode(),
			IdleMotion:  cfg.Motion.IdleMotion,
		},
		Groups: cfg.Emotion,
		Session: render.Options{
			RestoreDelay:    cfg.Restore.Delay,
			RestoreAttempts: cfg.Restore.Attempts,
		},
		Loader: loader.Options{
			BundledSettle: cfg.Loader.BundledSettle,
			RemoteSettle:  cfg.Loader.RemoteSettle,
		},
		Logger:  logger.Zerolog(),
		Metrics: m,
	})
	if err != nil {
		return err
	}
	defer eng.Teardown()

	v := &viewer{
		eng:      eng,
		lip:      lip,
		logger:   logger,
		catalog:  catalog,
		timeout:  fetchTimeout(cfg),
		flourish: cfg.Emotion.Energetic,
		models:   models,
		mode:     cfg.TrackingMode(),
	}

	eng.OnError(func(err error) {
		if render.IsResourceError(err) {
			logger.Error("viewer", "Renderer unavailable until the next restore", err, nil)
			return
		}
		logger.Error("viewer", "Engine error", err, nil)
	})
	eng.Bus().SubscribeMultiple([]bus.EventType{
		bus.EventTypeContextLost,
		bus.EventTypeContextRestored,
		bus.EventTypeSessionDestroyed,
	}, func(ev bus.Event) {
		logger.Info("viewer", "Session event", map[string]any{"event": string(ev.Type)})
	})
	eng.OnLoaded(func(d puppet.Descriptor) {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		backend.Window().SetTitle(cfg.Surface.Title + " - " + name)
		logger.Info("viewer", "Model on screen", map[string]any{"model": d.ID})
	})
	eng.OnSpeakingChange(func(speaking bool) {
		logger.Debug("viewer", "Speaking changed", map[string]any{"speaking": speaking})
	})

	if manifest != nil && cfg.Assets.WatchChanges {
		manifest.OnChange(v.setModels)
		if err := manifest.Watch(); err != nil {
			logger.Warn("assets", "Manifest watch unavailable", map[string]any{"error": err.Error()})
		}
	}

	if cfg.Tracking.URL != "" {
		feed := tracking.NewWSFeed(cfg.Tracking.URL, store, tracking.FeedOptions{
			ReconnectDelay: cfg.Tracking.ReconnectDelay,
			MaxAttempts:    cfg.Tracking.MaxReconnects,
			Logger:         logger.Zerolog(),
		})
		feed.SetErrorCallback(func(err error) {
			logger.Warn("tracking", "Tracker reported an error", map[string]any{"error": err.Error()})
		})
		v.feed = feed
		go func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("tracking", "Tracking feed stopped", err, nil)
			}
		}()
	}

	v.bindInput(backend.Window())
	v.loadInitial(ctx, cfg.Assets.Default)

	logger.Info("viewer", "Viewer running", map[string]any{
		"models": len(models),
		"keys":   "1-9 model, E emotion, P flourish, M tracking mode, S speak, L simulate context loss",
	})
	return v.loop(ctx, backend.Window())
}

func (v *viewer) loop(ctx context.Context, window *glfw.Window) error {
	last := time.Now()
	frames := 0
	fpsTimer := last

	for !window.ShouldClose() {
		select {
		case <-ctx.Done():
			v.logger.Info("viewer", "Shutdown signal received", nil)
			return nil
		default:
		}

		now := time.Now()
		dt := now.Sub(last)
		last = now
		if dt > 100*time.Millisecond {
			dt = 100 * time.Millisecond
		}

		if err := v.eng.Tick(now, dt); err != nil {
			v.logger.Error("viewer", "Frame failed", err, nil)
		}
		glfw.PollEvents()

		frames++
		if since := now.Sub(fpsTimer); since >= 5*time.Second {
			stats := map[string]any{"fps": float64(frames) / since.Seconds()}
			if v.feed != nil {
				stats["tracker"] = v.feed.IsConnected()
				stats["samples"] = v.feed.Received()
			}
			v.logger.Debug("viewer", "Frame rate", stats)
			frames = 0
			fpsTimer = now
		}
	}
	return nil
}

func (v *viewer) setModels(models []puppet.Descriptor) {
	v.mu.Lock()
	v.models = models
	v.mu.Unlock()
	v.logger.Info("assets", "Model list reloaded", map[string]any{"models": len(models)})
}

func (v *viewer) model(i int) (puppet.Descriptor, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i < 0 || i >= len(v.models) {
		return puppet.Descriptor{}, false
	}
	return v.models[i], true
}

func (v *viewer) loadInitial(ctx context.Context, id string) {
	var desc puppet.Descriptor
	if id != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
		d, err := v.catalog.Lookup(lookupCtx, id)
		cancel()
		if err != nil {
			v.logger.Warn("viewer", "Default model unavailable", map[string]any{"default": id, "error": err.Error()})
			return
		}
		desc = d
	} else {
		d, ok := v.model(0)
		if !ok {
			v.logger.Warn("viewer", "No model to show", nil)
			return
		}
		desc = d
	}
	v.load(desc)
}

func (v *viewer) load(desc puppet.Descriptor) {
	if _, err := v.eng.LoadModel(desc); err != nil {
		v.logger.Error("viewer", "Load rejected", err, map[string]any{"model": desc.ID})
	}
}

func (v *viewer) bindInput(window *glfw.Window) {
	ctrl := v.eng.Interaction()

	window.SetMouseButtonCallback(func(w *glfw.Window, button glfw.MouseButton, action glfw.Action, _ glfw.ModifierKey) {
		if button != glfw.MouseButtonLeft {
			return
		}
		x, y := w.GetCursorPos()
		switch action {
		case glfw.Press:
			ctrl.PointerDown(mgl32.Vec2{float32(x), float32(y)})
		case glfw.Release:
			ctrl.PointerUp()
		}
	})
	window.SetCursorPosCallback(func(_ *glfw.Window, x, y float64) {
		ctrl.PointerMove(mgl32.Vec2{float32(x), float32(y)})
	})
	window.SetCursorEnterCallback(func(_ *glfw.Window, entered bool) {
		if !entered {
			ctrl.PointerCancel()
		}
	})
	window.SetScrollCallback(func(_ *glfw.Window, _, yoff float64) {
		// Scrolling up zooms in.
		ctrl.Wheel(float32(-yoff))
	})
	window.SetSizeCallback(func(w *glfw.Window, width, height int) {
		fbw, _ := w.GetFramebufferSize()
		ratio := float32(1)
		if width > 0 {
			ratio = float32(fbw) / float32(width)
		}
		if err := v.eng.Resize(width, height, ratio); err != nil {
			v.logger.Warn("viewer", "Resize failed", map[string]any{"error": err.Error()})
		}
	})
	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, _ int, action glfw.Action, _ glfw.ModifierKey) {
		if action != glfw.Press {
			return
		}
		switch {
		case key >= glfw.Key1 && key <= glfw.Key9:
			if d, ok := v.model(int(key - glfw.Key1)); ok {
				v.load(d)
			}
		case key == glfw.KeyE:
			label := demoEmotions[v.emotion%len(demoEmotions)]
			v.emotion++
			v.eng.SetEmotion(label)
		case key == glfw.KeyP:
			v.eng.PlayMotion(v.flourish, 0)
		case key == glfw.KeyM:
			v.mode = (v.mode + 1) % 3
			v.eng.SetTrackingMode(v.mode)
		case key == glfw.KeyS:
			v.lip.Play(speech.FromText(demoLine, 0), time.Now())
		case key == glfw.KeyL:
			v.simulateContextLoss()
		case key == glfw.KeyEscape:
			w.SetShouldClose(true)
		}
	})
}

// simulateContextLoss drives the loss and restore signals a driver would
// send, to exercise recovery on desktop GL where real losses are rare.
func (v *viewer) simulateContextLoss() {
	if err := v.eng.ContextLost(); err != nil {
		v.logger.Warn("viewer", "Context loss rejected", map[string]any{"error": err.Error()})
		return
	}
	if err := v.eng.ContextRestored(); err != nil {
		v.logger.Warn("viewer", "Context restore rejected", map[string]any{"error": err.Error()})
	}
}
