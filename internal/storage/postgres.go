package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/adselection/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the tables used by the Postgres stores.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// =============================================
// CUSTOM AUDIENCES
// =============================================

// PostgresCustomAudienceStore implements CustomAudienceStore using PostgreSQL.
type PostgresCustomAudienceStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCustomAudienceStore(pool *pgxpool.Pool) *PostgresCustomAudienceStore {
	return &PostgresCustomAudienceStore{pool: pool}
}

func (r *PostgresCustomAudienceStore) UpsertCustomAudience(ctx context.Context, ca models.CustomAudience) error {
	if err := ca.Validate(); err != nil {
		return err
	}

	adsJSON, err := json.Marshal(ca.Ads)
	if err != nil {
		return fmt.Errorf("failed to encode ads: %w", err)
	}
	var trustedJSON []byte
	if ca.TrustedBiddingData != nil {
		if trustedJSON, err = json.Marshal(ca.TrustedBiddingData); err != nil {
			return fmt.Errorf("failed to encode trusted bidding data: %w", err)
		}
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO custom_audiences (owner, buyer, name, activation_time, expiration_time,
			last_ads_and_bidding_data_updated, daily_update_uri, user_bidding_signals,
			trusted_bidding_data, bidding_logic_uri, ads)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner, buyer, name) DO UPDATE SET
			activation_time = EXCLUDED.activation_time,
			expiration_time = EXCLUDED.expiration_time,
			last_ads_and_bidding_data_updated = EXCLUDED.last_ads_and_bidding_data_updated,
			daily_update_uri = EXCLUDED.daily_update_uri,
			user_bidding_signals = EXCLUDED.user_bidding_signals,
			trusted_bidding_data = EXCLUDED.trusted_bidding_data,
			bidding_logic_uri = EXCLUDED.bidding_logic_uri,
			ads = EXCLUDED.ads
	`, ca.Owner, string(ca.Buyer), ca.Name, ca.ActivationTime, ca.ExpirationTime,
		ca.LastAdsAndBiddingDataUpdated, ca.DailyUpdateURI, string(ca.UserBiddingSignals),
		trustedJSON, ca.BiddingLogicURI, adsJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert custom audience: %w", err)
	}
	return nil
}

func (r *PostgresCustomAudienceStore) GetActiveCustomAudiencesByBuyers(ctx context.Context, buyers []models.AdTechIdentifier, now time.Time, activeWindow time.Duration) ([]models.CustomAudience, error) {
	names := make([]string, len(buyers))
	for i, b := range buyers {
		names[i] = string(b)
	}
	updatedAfter := time.Time{}
	if activeWindow > 0 {
		updatedAfter = now.Add(-activeWindow)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT owner, buyer, name, activation_time, expiration_time,
			   last_ads_and_bidding_data_updated, daily_update_uri, user_bidding_signals,
			   trusted_bidding_data, bidding_logic_uri, ads
		FROM custom_audiences
		WHERE buyer = ANY($1)
		  AND activation_time <= $2 AND expiration_time > $2
		  AND last_ads_and_bidding_data_updated >= $3
		ORDER BY buyer, owner, name
	`, names, now, updatedAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to query custom audiences: %w", err)
	}
	defer rows.Close()

	var res []models.CustomAudience
	for rows.Next() {
		var ca models.CustomAudience
		var buyer, userSignals string
		var trustedJSON, adsJSON []byte
		if err := rows.Scan(
			&ca.Owner, &buyer, &ca.Name, &ca.ActivationTime, &ca.ExpirationTime,
			&ca.LastAdsAndBiddingDataUpdated, &ca.DailyUpdateURI, &userSignals,
			&trustedJSON, &ca.BiddingLogicURI, &adsJSON,
		); err != nil {
			return nil, err
		}
		ca.Buyer = models.AdTechIdentifier(buyer)
		ca.UserBiddingSignals = models.AdSelectionSignals(userSignals)
		if len(trustedJSON) > 0 {
			var tbd models.TrustedBiddingData
			if err := json.Unmarshal(trustedJSON, &tbd); err != nil {
				return nil, fmt.Errorf("failed to parse trusted bidding data: %w", err)
			}
			ca.TrustedBiddingData = &tbd
		}
		if err := json.Unmarshal(adsJSON, &ca.Ads); err != nil {
			return nil, fmt.Errorf("failed to parse ads: %w", err)
		}
		res = append(res, ca)
	}
	return res, rows.Err()
}

// =============================================
// AD SELECTIONS
// =============================================

// PostgresAdSelectionStore implements AdSelectionStore using PostgreSQL.
// Ad selection ids are stored as the two's complement BIGINT of the uint64.
type PostgresAdSelectionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAdSelectionStore(pool *pgxpool.Pool) *PostgresAdSelectionStore {
	return &PostgresAdSelectionStore{pool: pool}
}

func (r *PostgresAdSelectionStore) DoesIDExist(ctx context.Context, id uint64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ad_selections WHERE ad_selection_id = $1)`, int64(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ad selection id: %w", err)
	}
	return exists, nil
}

func (r *PostgresAdSelectionStore) PersistAdSelection(ctx context.Context, result models.AdSelectionResult) error {
	var signalsJSON []byte
	if result.CustomAudienceSignals != nil {
		var err error
		if signalsJSON, err = json.Marshal(result.CustomAudienceSignals); err != nil {
			return fmt.Errorf("failed to encode custom audience signals: %w", err)
		}
	}
	keys := result.AdCounterKeys
	if keys == nil {
		keys = []string{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO ad_selections (ad_selection_id, winning_ad_render_uri, winning_ad_bid,
			bidding_logic_uri, custom_audience_signals, contextual_signals, creation_time,
			caller_package_name, ad_counter_keys)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, int64(result.AdSelectionID), result.WinningAdRenderURI, result.WinningAdBid,
		result.BiddingLogicURI, signalsJSON, string(result.ContextualSignals), result.CreationTime,
		result.CallerPackageName, keys)
	if err != nil {
		return fmt.Errorf("failed to persist ad selection: %w", err)
	}
	return nil
}

func (r *PostgresAdSelectionStore) PersistBuyerDecisionLogic(ctx context.Context, logic models.BuyerDecisionLogic) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO buyer_decision_logic (bidding_logic_uri, buyer_decision_logic_js)
		VALUES ($1, $2)
		ON CONFLICT (bidding_logic_uri) DO UPDATE SET
			buyer_decision_logic_js = EXCLUDED.buyer_decision_logic_js
	`, logic.BiddingLogicURI, logic.JS)
	if err != nil {
		return fmt.Errorf("failed to persist buyer decision logic: %w", err)
	}
	return nil
}

func (r *PostgresAdSelectionStore) GetAdSelection(ctx context.Context, id uint64) (*models.AdSelectionResult, error) {
	var res models.AdSelectionResult
	var signalsJSON []byte
	var contextual string
	var js *string
	err := r.pool.QueryRow(ctx, `
		SELECT s.winning_ad_render_uri, s.winning_ad_bid, s.bidding_logic_uri,
			   s.custom_audience_signals, s.contextual_signals, s.creation_time,
			   s.caller_package_name, s.ad_counter_keys, l.buyer_decision_logic_js
		FROM ad_selections s
		LEFT JOIN buyer_decision_logic l ON l.bidding_logic_uri = s.bidding_logic_uri
		WHERE s.ad_selection_id = $1
	`, int64(id)).Scan(
		&res.WinningAdRenderURI, &res.WinningAdBid, &res.BiddingLogicURI,
		&signalsJSON, &contextual, &res.CreationTime,
		&res.CallerPackageName, &res.AdCounterKeys, &js,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ad selection: %w", err)
	}

	res.AdSelectionID = id
	res.ContextualSignals = models.AdSelectionSignals(contextual)
	if len(signalsJSON) > 0 {
		var sig models.CustomAudienceSignals
		if err := json.Unmarshal(signalsJSON, &sig); err != nil {
			return nil, fmt.Errorf("failed to parse custom audience signals: %w", err)
		}
		res.CustomAudienceSignals = &sig
	}
	if js != nil {
		res.BuyerDecisionLogicJS = *js
	}
	return &res, nil
}

func (r *PostgresAdSelectionStore) DoesIDExistForCaller(ctx context.Context, id uint64, callerPackage string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM ad_selections WHERE ad_selection_id = $1 AND caller_package_name = $2)
	`, int64(id), callerPackage).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ad selection caller: %w", err)
	}
	return exists, nil
}

func (r *PostgresAdSelectionStore) DoAllIDsExistForCaller(ctx context.Context, ids []uint64, callerPackage string) (bool, error) {
	keys := toInt64s(ids)
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT ad_selection_id) FROM ad_selections
		WHERE ad_selection_id = ANY($1) AND caller_package_name = $2
	`, keys, callerPackage).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ad selection ids: %w", err)
	}
	return n == len(uniqueInt64s(keys)), nil
}

func (r *PostgresAdSelectionStore) GetAdSelectionIDsWithBidAndRenderURI(ctx context.Context, ids []uint64) ([]models.AdSelectionIDWithBidAndRenderURI, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ad_selection_id, winning_ad_bid, winning_ad_render_uri
		FROM ad_selections WHERE ad_selection_id = ANY($1)
	`, toInt64s(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query ad selections: %w", err)
	}
	defer rows.Close()

	found := make(map[uint64]models.AdSelectionIDWithBidAndRenderURI, len(ids))
	for rows.Next() {
		var id int64
		var v models.AdSelectionIDWithBidAndRenderURI
		if err := rows.Scan(&id, &v.Bid, &v.RenderURI); err != nil {
			return nil, err
		}
		v.AdSelectionID = uint64(id)
		found[v.AdSelectionID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's order.
	res := make([]models.AdSelectionIDWithBidAndRenderURI, 0, len(found))
	for _, id := range ids {
		if v, ok := found[id]; ok {
			res = append(res, v)
			delete(found, id)
		}
	}
	return res, nil
}

func (r *PostgresAdSelectionStore) SafelyInsertRegisteredAdInteractions(ctx context.Context, id uint64, interactions []models.RegisteredAdInteraction, maxTotal, maxPerDestination int, destination models.ReportingDestination) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `LOCK TABLE registered_ad_interactions IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return 0, fmt.Errorf("failed to lock interactions: %w", err)
	}

	var total int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM registered_ad_interactions`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}
	existing, err := r.registeredKeys(ctx, tx, id, destination)
	if err != nil {
		return 0, err
	}

	// Rewriting a registered key does not use capacity.
	capacity := min(maxTotal-total, maxPerDestination-len(existing))
	inserted := 0
	batch := &pgx.Batch{}
	for _, in := range interactions {
		if _, ok := existing[in.InteractionKey]; !ok {
			if inserted >= capacity {
				continue
			}
			existing[in.InteractionKey] = struct{}{}
			inserted++
		}
		batch.Queue(`
			INSERT INTO registered_ad_interactions (ad_selection_id, interaction_key, destination, interaction_reporting_uri)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (ad_selection_id, interaction_key, destination) DO UPDATE SET
				interaction_reporting_uri = EXCLUDED.interaction_reporting_uri
		`, int64(id), in.InteractionKey, int(destination), in.InteractionReportingURI)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("failed to insert interactions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *PostgresAdSelectionStore) registeredKeys(ctx context.Context, tx pgx.Tx, id uint64, destination models.ReportingDestination) (map[string]struct{}, error) {
	rows, err := tx.Query(ctx, `
		SELECT interaction_key FROM registered_ad_interactions WHERE ad_selection_id = $1 AND destination = $2
	`, int64(id), int(destination))
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		keys[key] = struct{}{}
	}
	return keys, rows.Err()
}

func (r *PostgresAdSelectionStore) GetRegisteredAdInteractionURI(ctx context.Context, id uint64, key string, destination models.ReportingDestination) (string, error) {
	var uri string
	err := r.pool.QueryRow(ctx, `
		SELECT interaction_reporting_uri FROM registered_ad_interactions
		WHERE ad_selection_id = $1 AND interaction_key = $2 AND destination = $3
	`, int64(id), key, int(destination)).Scan(&uri)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get interaction uri: %w", err)
	}
	return uri, nil
}

// =============================================
// APP INSTALLS
// =============================================

// PostgresAppInstallStore implements AppInstallStore using PostgreSQL.
type PostgresAppInstallStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAppInstallStore(pool *pgxpool.Pool) *PostgresAppInstallStore {
	return &PostgresAppInstallStore{pool: pool}
}

func (r *PostgresAppInstallStore) SetAppInstallAdvertisers(ctx context.Context, packageName string, buyers []models.AdTechIdentifier) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM app_install_advertisers WHERE package_name = $1`, packageName); err != nil {
		return fmt.Errorf("failed to clear app install advertisers: %w", err)
	}
	for _, b := range buyers {
		_, err := tx.Exec(ctx, `
			INSERT INTO app_install_advertisers (package_name, buyer) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, packageName, string(b))
		if err != nil {
			return fmt.Errorf("failed to insert app install advertiser: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresAppInstallStore) CanBuyerFilterPackage(ctx context.Context, buyer models.AdTechIdentifier, packageName string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM app_install_advertisers WHERE package_name = $1 AND buyer = $2)
	`, packageName, string(buyer)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check app install advertiser: %w", err)
	}
	return exists, nil
}

func toInt64s(ids []uint64) []int64 {
	res := make([]int64, len(ids))
	for i, id := range ids {
		res[i] = int64(id)
	}
	return res
}

func uniqueInt64s(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
