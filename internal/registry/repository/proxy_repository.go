package repository

import (
	"context"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kaunda-a/nyx-registry/internal/registry/models"
	"github.com/kaunda-a/nyx-registry/pkg/database"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
)

const proxiesCollection = "proxies"

const retryBackoff = 200 * time.Millisecond

// ProxyRepository persists proxy records in MongoDB. Probe outcomes are
// applied with aggregation-pipeline updates so the counter increments, the
// running mean and the status transition happen in one server-side
// read-modify-write; concurrent checks on the same proxy serialize on the
// document instead of clobbering each other.
type ProxyRepository struct {
	db               *database.MongoDB
	failureThreshold int64
	logger           logger.Logger
}

func NewProxyRepository(db *database.MongoDB, failureThreshold int, log logger.Logger) *ProxyRepository {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &ProxyRepository{
		db:               db,
		failureThreshold: int64(failureThreshold),
		logger:           log.WithField("component", "proxy_repository"),
	}
}

func (r *ProxyRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "host", Value: 1},
				{Key: "port", Value: 1},
				{Key: "protocol", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "geolocation.country", Value: 1},
			},
		},
		{
			// Unique multikey index: a profile id can live in at most one
			// document, while a proxy still hosts many profiles. The partial
			// filter skips unassigned proxies, whose empty arrays would all
			// index as null and collide with each other.
			Keys: bson.D{{Key: "assigned_profiles", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"assigned_profiles.0": bson.M{"$exists": true}}),
		},
	}

	_, err := r.db.GetCollection(proxiesCollection).Indexes().CreateMany(ctx, indexes)
	return err
}

func (r *ProxyRepository) Create(ctx context.Context, proxy *models.Proxy) error {
	now := time.Now()
	proxy.CreatedAt = now
	proxy.UpdatedAt = now
	if proxy.AssignedProfiles == nil {
		proxy.AssignedProfiles = []string{}
	}

	_, err := r.db.GetCollection(proxiesCollection).InsertOne(ctx, proxy)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.ErrDuplicateProxy
		}
		return err
	}

	r.logger.Info("Proxy created",
		logger.Field{Key: "proxy_id", Value: proxy.ID},
		logger.Field{Key: "address", Value: proxy.Address()},
	)
	return nil
}

func (r *ProxyRepository) GetByID(ctx context.Context, id string) (*models.Proxy, error) {
	var proxy models.Proxy
	err := r.db.GetCollection(proxiesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&proxy)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	normalize(&proxy)
	return &proxy, nil
}

func (r *ProxyRepository) List(ctx context.Context, filters models.ProxyFilters) ([]models.Proxy, error) {
	filter := bson.M{}
	if filters.Protocol != "" {
		filter["protocol"] = filters.Protocol
	}
	if filters.Status != "" {
		filter["status"] = filters.Status
	}
	if filters.Country != "" {
		filter["geolocation.country"] = filters.Country
	}
	if filters.Search != "" {
		quoted := regexp.QuoteMeta(filters.Search)
		re := bson.M{"$regex": quoted, "$options": "i"}
		filter["$or"] = bson.A{
			bson.M{"host": re},
			bson.M{"geolocation.country": re},
			bson.M{"geolocation.city": re},
			bson.M{"$expr": bson.M{"$regexMatch": bson.M{
				"input": bson.M{"$toString": "$port"},
				"regex": quoted,
			}}},
		}
	}

	opts := options.Find().SetSort(sortSpec(filters.SortBy))

	cursor, err := r.db.GetCollection(proxiesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	proxies := []models.Proxy{}
	if err := cursor.All(ctx, &proxies); err != nil {
		return nil, err
	}
	for i := range proxies {
		normalize(&proxies[i])
	}
	return proxies, nil
}

// Delete removes the proxy and returns the removed record so the caller can
// clean up assignment caches and credentials. An assign racing this either
// observes the document before removal or matches nothing.
func (r *ProxyRepository) Delete(ctx context.Context, id string) (*models.Proxy, error) {
	var proxy models.Proxy
	err := r.db.GetCollection(proxiesCollection).FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&proxy)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	r.logger.Info("Proxy deleted",
		logger.Field{Key: "proxy_id", Value: id},
		logger.Field{Key: "released_profiles", Value: len(proxy.AssignedProfiles)},
	)
	normalize(&proxy)
	return &proxy, nil
}

// RecordProbeSuccess applies a successful health check: increments
// success_count, folds the latency sample into the running mean over
// successes only, clears the consecutive-failure streak and promotes the
// status to active unless the proxy was administratively deactivated. The
// status branch mirrors service.nextStatus; keep the two in sync.
func (r *ProxyRepository) RecordProbeSuccess(ctx context.Context, id string, latencyMS float64, ip string, geo *models.Geolocation) (*models.Proxy, error) {
	now := time.Now()

	set := bson.M{
		"success_count":        bson.M{"$add": bson.A{"$success_count", 1}},
		"consecutive_failures": 0,
		"average_response_time": bson.M{"$divide": bson.A{
			bson.M{"$add": bson.A{
				bson.M{"$multiply": bson.A{"$average_response_time", "$success_count"}},
				latencyMS,
			}},
			bson.M{"$add": bson.A{"$success_count", 1}},
		}},
		"status": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$status", models.StatusInactive}},
			"$status",
			models.StatusActive,
		}},
		"last_checked_at": now,
		"updated_at":      now,
	}
	if ip != "" {
		set["ip"] = ip
	}
	if geo != nil {
		set["geolocation"] = geo
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: set}},
		{{Key: "$unset", Value: "last_error"}},
	}

	return r.applyProbeOutcome(ctx, id, pipeline)
}

// RecordProbeFailure applies a failed health check: increments both failure
// counters and demotes the status once the consecutive-failure streak
// reaches the threshold (immediately for a proxy still pending). The running
// mean is left untouched. The $switch mirrors service.nextStatus; keep the
// two in sync.
func (r *ProxyRepository) RecordProbeFailure(ctx context.Context, id string, probeErr string) (*models.Proxy, error) {
	now := time.Now()
	streak := bson.M{"$add": bson.A{"$consecutive_failures", 1}}

	set := bson.M{
		"failure_count":        bson.M{"$add": bson.A{"$failure_count", 1}},
		"consecutive_failures": streak,
		"status": bson.M{"$switch": bson.M{
			"branches": bson.A{
				bson.M{
					"case": bson.M{"$eq": bson.A{"$status", models.StatusInactive}},
					"then": "$status",
				},
				bson.M{
					"case": bson.M{"$eq": bson.A{"$status", models.StatusPending}},
					"then": models.StatusError,
				},
				bson.M{
					"case": bson.M{"$gte": bson.A{streak, r.failureThreshold}},
					"then": models.StatusError,
				},
			},
			"default": "$status",
		}},
		"last_error":      probeErr,
		"last_checked_at": now,
		"updated_at":      now,
	}

	pipeline := mongo.Pipeline{{{Key: "$set", Value: set}}}

	return r.applyProbeOutcome(ctx, id, pipeline)
}

func (r *ProxyRepository) applyProbeOutcome(ctx context.Context, id string, pipeline mongo.Pipeline) (*models.Proxy, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.Proxy
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.GetCollection(proxiesCollection).
			FindOneAndUpdate(ctx, bson.M{"_id": id}, pipeline, opts).
			Decode(&updated)
	})
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	normalize(&updated)
	return &updated, nil
}

// AssignProfile binds a profile to the proxy. The profile is pulled from
// every other proxy inside the same transaction that adds it, and the unique
// assigned_profiles index backstops the pull: two racing assignments whose
// snapshots both saw the profile unbound cannot both commit, so a profile
// can never hold two proxies no matter how the calls interleave.
func (r *ProxyRepository) AssignProfile(ctx context.Context, profileID, proxyID string, exclusive bool) (*models.Proxy, error) {
	result, err := r.db.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		coll := r.db.GetCollection(proxiesCollection)

		var target models.Proxy
		if err := coll.FindOne(sessCtx, bson.M{"_id": proxyID}).Decode(&target); err != nil {
			if err == mongo.ErrNoDocuments {
				return nil, models.ErrNotFound
			}
			return nil, err
		}

		if exclusive {
			for _, pid := range target.AssignedProfiles {
				if pid != profileID {
					return nil, models.ErrConflict
				}
			}
		}

		now := time.Now()

		_, err := coll.UpdateMany(sessCtx,
			bson.M{"assigned_profiles": profileID, "_id": bson.M{"$ne": proxyID}},
			bson.M{
				"$pull": bson.M{"assigned_profiles": profileID},
				"$set":  bson.M{"updated_at": now},
			},
		)
		if err != nil {
			return nil, err
		}

		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var updated models.Proxy
		err = coll.FindOneAndUpdate(sessCtx,
			bson.M{"_id": proxyID},
			bson.M{
				"$addToSet": bson.M{"assigned_profiles": profileID},
				"$set":      bson.M{"updated_at": now},
			},
			opts,
		).Decode(&updated)
		if err != nil {
			if err == mongo.ErrNoDocuments {
				return nil, models.ErrNotFound
			}
			// A racing assignment for the same profile that committed first
			// trips the unique assigned_profiles index here.
			if mongo.IsDuplicateKeyError(err) {
				return nil, models.ErrConflict
			}
			return nil, err
		}
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}

	proxy := result.(*models.Proxy)
	normalize(proxy)

	r.logger.Info("Profile assigned",
		logger.Field{Key: "proxy_id", Value: proxyID},
		logger.Field{Key: "profile_id", Value: profileID},
	)
	return proxy, nil
}

// UnassignProfile releases the profile's proxy, if any. Returns the freed
// proxy id, or empty when the profile held nothing (a no-op, not an error).
func (r *ProxyRepository) UnassignProfile(ctx context.Context, profileID string) (string, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var proxy models.Proxy
	err := r.db.GetCollection(proxiesCollection).FindOneAndUpdate(ctx,
		bson.M{"assigned_profiles": profileID},
		bson.M{
			"$pull": bson.M{"assigned_profiles": profileID},
			"$set":  bson.M{"updated_at": time.Now()},
		},
		opts,
	).Decode(&proxy)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}

	r.logger.Info("Profile unassigned",
		logger.Field{Key: "proxy_id", Value: proxy.ID},
		logger.Field{Key: "profile_id", Value: profileID},
	)
	return proxy.ID, nil
}

// SelectCandidate picks the auto-assignment winner: an active proxy matching
// the country filter, least loaded first, fastest first among ties.
func (r *ProxyRepository) SelectCandidate(ctx context.Context, country string, unassignedOnly bool) (*models.Proxy, error) {
	match := bson.M{"status": models.StatusActive}
	if country != "" {
		match["geolocation.country"] = country
	}
	if unassignedOnly {
		match["assigned_profiles"] = bson.M{"$size": 0}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$addFields", Value: bson.M{
			"assignment_count": bson.M{"$size": bson.M{"$ifNull": bson.A{"$assigned_profiles", bson.A{}}}},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "assignment_count", Value: 1},
			{Key: "average_response_time", Value: 1},
			{Key: "failure_count", Value: 1},
		}}},
		{{Key: "$limit", Value: 1}},
	}

	cursor, err := r.db.GetCollection(proxiesCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var candidates []models.Proxy
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, models.ErrNoAvailableProxy
	}
	normalize(&candidates[0])
	return &candidates[0], nil
}

func (r *ProxyRepository) Statistics(ctx context.Context) (*models.RegistryStats, error) {
	coll := r.db.GetCollection(proxiesCollection)

	total, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	stats := &models.RegistryStats{
		TotalProxies: total,
		ByStatus:     map[string]int64{},
		ByProtocol:   map[string]int64{},
		ByCountry:    map[string]int64{},
	}

	if err := r.groupCounts(ctx, "$status", stats.ByStatus); err != nil {
		return nil, err
	}
	if err := r.groupCounts(ctx, "$protocol", stats.ByProtocol); err != nil {
		return nil, err
	}
	if err := r.groupCounts(ctx, "$geolocation.country", stats.ByCountry); err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id": nil,
			"total": bson.M{"$sum": bson.M{
				"$size": bson.M{"$ifNull": bson.A{"$assigned_profiles", bson.A{}}},
			}},
		}}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		stats.TotalAssignments = rows[0].Total
	}

	return stats, nil
}

func (r *ProxyRepository) groupCounts(ctx context.Context, field string, out map[string]int64) error {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": field, "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.db.GetCollection(proxiesCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID    *string `bson:"_id"`
		Count int64   `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		if row.ID == nil || *row.ID == "" {
			continue
		}
		out[*row.ID] = row.Count
	}
	return nil
}

func (r *ProxyRepository) withRetry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !isTransient(err) {
		return err
	}

	r.logger.Warn("Transient database error, retrying once",
		logger.Field{Key: "error", Value: err.Error()},
	)

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return op(ctx)
}

func isTransient(err error) bool {
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

func normalize(p *models.Proxy) {
	if p.AssignedProfiles == nil {
		p.AssignedProfiles = []string{}
	}
}

func sortSpec(sortBy string) bson.D {
	switch sortBy {
	case "host":
		return bson.D{{Key: "host", Value: 1}, {Key: "port", Value: 1}}
	case "status":
		return bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}
	case "average_response_time":
		return bson.D{{Key: "average_response_time", Value: 1}}
	case "failure_count":
		return bson.D{{Key: "failure_count", Value: -1}}
	default:
		return bson.D{{Key: "created_at", Value: -1}}
	}
}
