package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/blood-match/internal/models"
)

// RedisIndex implements DonorIndex using Redis GEO commands for donor
// locations and one hash per donor for the rest of the profile.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.DonorCandidate) error {
	pipe := r.client.Pipeline()
	if d.Loc != nil {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	} else {
		// a donor that stopped sharing location must not stay searchable
		pipe.ZRem(ctx, r.key, d.ID)
	}
	pipe.HSet(ctx, ProfileKey(d.ID), ProfileFields(d))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert donor %s: %w", d.ID, err)
	}
	return nil
}

// AvailableDonors returns the available donors inside radiusKm of center.
// Donors without a stored location are never in the GEO set and so never
// returned.
func (r *RedisIndex) AvailableDonors(ctx context.Context, center models.Coord, radiusKm float64) ([]models.DonorCandidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGetAll(ctx, ProfileKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis fetch profiles: %w", err)
	}

	out := make([]models.DonorCandidate, 0, len(res))
	for i, g := range res {
		d := DecodeProfile(g.Name, cmds[i].Val())
		d.Loc = &models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !d.Available {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func ProfileKey(id string) string { return "donor:profile:" + id }

// ProfileFields flattens the non-location part of a profile into hash fields.
func ProfileFields(d models.DonorCandidate) map[string]interface{} {
	m := map[string]interface{}{
		"blood_type":     string(d.BloodType),
		"rh":             string(d.Rh),
		"available":      strconv.FormatBool(d.Available),
		"donation_count": strconv.Itoa(d.DonationCount),
		"last_donation":  "",
		"response_rate":  "",
		"updated":        time.Now().UTC().Format(time.RFC3339),
	}
	if d.LastDonation != nil {
		m["last_donation"] = d.LastDonation.UTC().Format(time.RFC3339)
	}
	if d.ResponseRate != nil {
		m["response_rate"] = strconv.FormatFloat(*d.ResponseRate, 'f', -1, 64)
	}
	return m
}

// DecodeProfile is the inverse of ProfileFields. Malformed fields are left at
// their zero value so one bad hash never fails a whole matching run.
func DecodeProfile(id string, m map[string]string) models.DonorCandidate {
	d := models.DonorCandidate{ID: id}
	if bt, ok := models.ParseBloodType(m["blood_type"]); ok {
		d.BloodType = bt
	}
	if rh, ok := models.ParseRh(m["rh"]); ok {
		d.Rh = rh
	}
	d.Available = m["available"] == "true"
	if v, err := strconv.Atoi(m["donation_count"]); err == nil {
		d.DonationCount = v
	}
	if v := m["last_donation"]; v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			d.LastDonation = &ts
		}
	}
	if v := m["response_rate"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.ResponseRate = &f
		}
	}
	return d
}
