package routes

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/erg-pwa/erg-cache/internal/manager"
	"github.com/erg-pwa/erg-cache/internal/policy"
)

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，用于查询代际、阶段以及各桶容量。
func RegisterCacheRoutes(app *fiber.App, mgr *manager.Manager) {
	if app == nil || mgr == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		buckets, err := mgr.Buckets(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bucket_list_failed"})
		}
		return c.JSON(cachesPayload{
			Generation:  mgr.Generation(),
			Phase:       string(mgr.Phase()),
			Controlling: mgr.Controlling(),
			SkipWaiting: mgr.SkipWaiting(),
			Buckets:     encodeBuckets(buckets),
			Profiles:    policy.Profiles(),
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bucket_name_required"})
		}
		keys, found, err := mgr.BucketKeys(c.Context(), name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bucket_read_failed"})
		}
		if !found {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bucket_not_found"})
		}
		if keys == nil {
			keys = []string{}
		}
		return c.JSON(bucketDetailPayload{
			Name:    name,
			Current: mgr.IsCurrentBucket(name),
			Keys:    keys,
		})
	})
}

type cachesPayload struct {
	Generation  string           `json:"generation"`
	Phase       string           `json:"phase"`
	Controlling bool             `json:"controlling"`
	SkipWaiting bool             `json:"skip_waiting"`
	Buckets     []bucketPayload  `json:"buckets"`
	Profiles    []policy.Profile `json:"profiles"`
}

type bucketPayload struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Size    string `json:"size"`
}

type bucketDetailPayload struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Keys    []string `json:"keys"`
}

func encodeBuckets(infos []manager.BucketInfo) []bucketPayload {
	result := make([]bucketPayload, 0, len(infos))
	for _, info := range infos {
		result = append(result, bucketPayload{
			Name:    info.Name,
			Current: info.Current,
			Entries: info.Stats.Entries,
			Bytes:   info.Stats.Bytes,
			Size:    humanize.Bytes(uint64(info.Stats.Bytes)),
		})
	}
	return result
}
