package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tp-checklist/offline-hub/internal/cache"
	"github.com/tp-checklist/offline-hub/internal/lifecycle"
	"github.com/tp-checklist/offline-hub/internal/version"
	"github.com/tp-checklist/offline-hub/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口，供运维查看当前 Worker、桶内容与指标。
func RegisterDiagnosticsRoutes(app *fiber.App, host *lifecycle.Host, storage cache.Storage) {
	if app == nil || host == nil || storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		names, err := storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(encodeStatus(host.Active(), names))
	})

	app.Get("/-/buckets/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if err := cache.ValidateBucketName(name); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bucket_name_invalid"})
		}
		exists, err := storage.Has(c.Context(), name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if !exists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bucket_not_found"})
		}
		bucket, err := storage.Open(c.Context(), name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		keys, err := bucket.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(encodeBucket(name, keys))
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type statusPayload struct {
	Version        string   `json:"version"`
	Active         bool     `json:"active"`
	CacheVersion   string   `json:"cache_version,omitempty"`
	Manifest       []string `json:"manifest"`
	BypassPatterns []string `json:"bypass_patterns"`
	Buckets        []string `json:"buckets"`
}

type bucketPayload struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func encodeStatus(active *worker.Worker, buckets []string) statusPayload {
	payload := statusPayload{
		Version:        version.Full(),
		Manifest:       []string{},
		BypassPatterns: []string{},
		Buckets:        append([]string{}, buckets...),
	}
	sort.Strings(payload.Buckets)
	if active == nil {
		return payload
	}
	payload.Active = true
	payload.CacheVersion = active.Version()
	payload.Manifest = append(payload.Manifest, active.Manifest()...)
	payload.BypassPatterns = append(payload.BypassPatterns, active.Classifier().Patterns()...)
	return payload
}

func encodeBucket(name string, keys []cache.RequestKey) bucketPayload {
	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, key.String())
	}
	sort.Strings(entries)
	return bucketPayload{Name: name, Entries: entries}
}
