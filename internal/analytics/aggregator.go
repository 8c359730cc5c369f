// Package analytics computes read-side aggregates over clicks and
// conversions. Results may be served from a short-TTL cache; callers
// must tolerate staleness up to that TTL but never see wrong shapes.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/apperr"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/pkg/cache"
)

const (
	// DefaultWindowDays is the aggregation window when the caller does
	// not specify one.
	DefaultWindowDays = 30
	maxWindowDays     = 365
)

// defaultQueryTimeout bounds storage calls when no explicit timeout is
// configured.
const defaultQueryTimeout = 5 * time.Second

// Aggregator computes aggregates on demand from the durable store,
// optionally memoized in the cache. Storage reads are bounded by
// queryTimeout; a deadline hit surfaces as a retryable unavailable
// error.
type Aggregator struct {
	db           *gorm.DB
	cache        *cache.Cache
	queryTimeout time.Duration
}

// NewAggregator creates an Aggregator. A nil cache disables caching;
// a zero queryTimeout selects the default.
func NewAggregator(db *gorm.DB, c *cache.Cache, queryTimeout time.Duration) *Aggregator {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Aggregator{db: db, cache: c, queryTimeout: queryTimeout}
}

func (a *Aggregator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.queryTimeout)
}

// DailyCount is one day's event count in a time series.
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Report is the aggregate block shared by link, product, and user
// analytics.
type Report struct {
	TotalClicks      int64            `json:"total_clicks"`
	UniqueClicks     int64            `json:"unique_clicks"`
	TotalConversions int64            `json:"total_conversions"`
	ConversionRate   float64          `json:"conversion_rate"`
	TotalAmount      float64          `json:"total_amount"`
	TotalCommission  float64          `json:"total_commission"`
	DeviceBreakdown  map[string]int64 `json:"device_breakdown"`
	DailyClicks      []DailyCount     `json:"daily_clicks"`
	DailyConversions []DailyCount     `json:"daily_conversions"`
}

// LinkAnalytics is the per-link aggregate view.
type LinkAnalytics struct {
	LinkID      uint   `json:"link_id"`
	LinkCode    string `json:"link_code"`
	ProductName string `json:"product_name"`
	Days        int    `json:"days"`
	Report
}

// ProductAnalytics aggregates across all of a product's links.
type ProductAnalytics struct {
	ProductID   uint   `json:"product_id"`
	ProductName string `json:"product_name"`
	TotalLinks  int64  `json:"total_links"`
	Days        int    `json:"days"`
	Report
}

// UserAnalytics is the role-scoped rollup for one user.
type UserAnalytics struct {
	UserID     uint       `json:"user_id"`
	Role       model.Role `json:"role"`
	TotalLinks int64      `json:"total_links"`
	Days       int        `json:"days"`
	Report
}

// CatalogStats summarizes a user's product catalog view.
type CatalogStats struct {
	TotalProducts         int64   `json:"total_products"`
	ActiveProducts        int64   `json:"active_products"`
	AveragePrice          float64 `json:"average_price"`
	AverageCommissionRate float64 `json:"average_commission_rate"`
}

// ClampDays normalizes a caller-specified window.
func ClampDays(days int) int {
	if days <= 0 {
		return DefaultWindowDays
	}
	if days > maxWindowDays {
		return maxWindowDays
	}
	return days
}

// ForLink computes the aggregate view of one link over the given
// window.
func (a *Aggregator) ForLink(ctx context.Context, link *model.AffiliateLink, days int) (*LinkAnalytics, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	days = ClampDays(days)
	key := fmt.Sprintf("analytics:link:%d:days:%d", link.ID, days)

	var result LinkAnalytics
	if a.cache.GetJSON(ctx, key, &result) {
		return &result, nil
	}

	report, err := a.report(ctx, days, "link_id = ?", link.ID)
	if err != nil {
		return nil, err
	}

	result = LinkAnalytics{
		LinkID:   link.ID,
		LinkCode: link.Code,
		Days:     days,
		Report:   *report,
	}
	if link.Product != nil {
		result.ProductName = link.Product.Name
	}

	a.cache.SetJSON(ctx, key, &result)
	return &result, nil
}

// ForProduct aggregates across every link pointing at a product.
func (a *Aggregator) ForProduct(ctx context.Context, product *model.Product, days int) (*ProductAnalytics, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	days = ClampDays(days)
	key := fmt.Sprintf("analytics:product:%d:days:%d", product.ID, days)

	var result ProductAnalytics
	if a.cache.GetJSON(ctx, key, &result) {
		return &result, nil
	}

	linkIDs := a.db.Model(&model.AffiliateLink{}).Select("id").Where("product_id = ?", product.ID)

	var totalLinks int64
	if err := a.db.WithContext(ctx).Model(&model.AffiliateLink{}).
		Where("product_id = ?", product.ID).Count(&totalLinks).Error; err != nil {
		return nil, storeError("failed to count links", err)
	}

	report, err := a.report(ctx, days, "link_id IN (?)", linkIDs)
	if err != nil {
		return nil, err
	}

	result = ProductAnalytics{
		ProductID:   product.ID,
		ProductName: product.Name,
		TotalLinks:  totalLinks,
		Days:        days,
		Report:      *report,
	}

	a.cache.SetJSON(ctx, key, &result)
	return &result, nil
}

// ForUser computes the role-scoped rollup: an affiliate sees only
// their own links, a merchant only their products' links, an admin
// everything.
func (a *Aggregator) ForUser(ctx context.Context, user *model.User, days int) (*UserAnalytics, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	days = ClampDays(days)
	key := fmt.Sprintf("analytics:user:%d:days:%d", user.ID, days)

	var result UserAnalytics
	if a.cache.GetJSON(ctx, key, &result) {
		return &result, nil
	}

	linkScope := a.db.Model(&model.AffiliateLink{}).Select("id")
	switch {
	case user.IsAdmin:
		// Unscoped: admins see the whole platform.
	case user.Role == model.RoleAffiliate:
		linkScope = linkScope.Where("affiliate_id = ?", user.ID)
	case user.Role == model.RoleMerchant:
		productIDs := a.db.Model(&model.Product{}).Select("id").Where("merchant_id = ?", user.ID)
		linkScope = linkScope.Where("product_id IN (?)", productIDs)
	default:
		return nil, apperr.Permission("unknown role")
	}

	var totalLinks int64
	if err := a.db.WithContext(ctx).Model(&model.AffiliateLink{}).
		Where("id IN (?)", linkScope).Count(&totalLinks).Error; err != nil {
		return nil, storeError("failed to count links", err)
	}

	report, err := a.report(ctx, days, "link_id IN (?)", linkScope)
	if err != nil {
		return nil, err
	}

	result = UserAnalytics{
		UserID:     user.ID,
		Role:       user.Role,
		TotalLinks: totalLinks,
		Days:       days,
		Report:     *report,
	}

	a.cache.SetJSON(ctx, key, &result)
	return &result, nil
}

// Catalog summarizes products visible to the user: merchants see their
// own catalog, everyone else the active catalog. The average commission
// rate is an explicit mean over commission_rate.
func (a *Aggregator) Catalog(ctx context.Context, user *model.User) (*CatalogStats, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	key := fmt.Sprintf("analytics:catalog:%d", user.ID)

	var stats CatalogStats
	if a.cache.GetJSON(ctx, key, &stats) {
		return &stats, nil
	}

	scope := a.db.WithContext(ctx).Model(&model.Product{})
	if user.Role == model.RoleMerchant && !user.IsAdmin {
		scope = scope.Where("merchant_id = ?", user.ID)
	} else if !user.IsAdmin {
		scope = scope.Where("is_active = ?", true)
	}

	if err := scope.Session(&gorm.Session{}).Count(&stats.TotalProducts).Error; err != nil {
		return nil, storeError("failed to count products", err)
	}
	if err := scope.Session(&gorm.Session{}).Where("is_active = ?", true).Count(&stats.ActiveProducts).Error; err != nil {
		return nil, storeError("failed to count active products", err)
	}
	if stats.TotalProducts > 0 {
		if err := scope.Session(&gorm.Session{}).Select("COALESCE(AVG(price), 0)").Scan(&stats.AveragePrice).Error; err != nil {
			return nil, storeError("failed to average price", err)
		}
		if err := scope.Session(&gorm.Session{}).Select("COALESCE(AVG(commission_rate), 0)").Scan(&stats.AverageCommissionRate).Error; err != nil {
			return nil, storeError("failed to average commission rate", err)
		}
	}

	a.cache.SetJSON(ctx, key, &stats)
	return &stats, nil
}

// report runs the shared aggregation for any link scope. The daily
// series issues one count per calendar day per series, O(days) total.
func (a *Aggregator) report(ctx context.Context, days int, linkCond string, linkArgs ...interface{}) (*Report, error) {
	now := time.Now()
	windowStart := dayStart(now.AddDate(0, 0, -(days - 1)))

	report := &Report{
		DeviceBreakdown:  map[string]int64{},
		DailyClicks:      make([]DailyCount, 0, days),
		DailyConversions: make([]DailyCount, 0, days),
	}

	clicks := func() *gorm.DB {
		return a.db.WithContext(ctx).Model(&model.Click{}).
			Where(linkCond, linkArgs...).Where("created_at >= ?", windowStart)
	}
	conversions := func() *gorm.DB {
		return a.db.WithContext(ctx).Model(&model.Conversion{}).
			Where(linkCond, linkArgs...).Where("created_at >= ?", windowStart)
	}

	if err := clicks().Count(&report.TotalClicks).Error; err != nil {
		return nil, storeError("failed to count clicks", err)
	}
	// Uniqueness is approximated by IP only; NAT and shared networks
	// undercount on purpose.
	if err := clicks().Distinct("ip_address").Count(&report.UniqueClicks).Error; err != nil {
		return nil, storeError("failed to count unique clicks", err)
	}
	if err := conversions().Count(&report.TotalConversions).Error; err != nil {
		return nil, storeError("failed to count conversions", err)
	}
	if err := conversions().Select("COALESCE(SUM(amount), 0)").Scan(&report.TotalAmount).Error; err != nil {
		return nil, storeError("failed to sum amounts", err)
	}
	if err := conversions().Select("COALESCE(SUM(commission_amount), 0)").Scan(&report.TotalCommission).Error; err != nil {
		return nil, storeError("failed to sum commissions", err)
	}

	if report.TotalClicks > 0 {
		report.ConversionRate = float64(report.TotalConversions) / float64(report.TotalClicks)
	}

	var breakdown []struct {
		DeviceType string
		Count      int64
	}
	if err := clicks().Select("device_type, COUNT(*) as count").
		Group("device_type").Scan(&breakdown).Error; err != nil {
		return nil, storeError("failed to break down devices", err)
	}
	for _, row := range breakdown {
		report.DeviceBreakdown[row.DeviceType] = row.Count
	}

	for i := 0; i < days; i++ {
		bucketStart := windowStart.AddDate(0, 0, i)
		bucketEnd := bucketStart.AddDate(0, 0, 1)
		date := bucketStart.Format("2006-01-02")

		var dayClicks int64
		if err := clicks().Where("created_at >= ? AND created_at < ?", bucketStart, bucketEnd).
			Count(&dayClicks).Error; err != nil {
			return nil, storeError("failed to bucket clicks", err)
		}
		report.DailyClicks = append(report.DailyClicks, DailyCount{Date: date, Count: dayClicks})

		var dayConversions int64
		if err := conversions().Where("created_at >= ? AND created_at < ?", bucketStart, bucketEnd).
			Count(&dayConversions).Error; err != nil {
			return nil, storeError("failed to bucket conversions", err)
		}
		report.DailyConversions = append(report.DailyConversions, DailyCount{Date: date, Count: dayConversions})
	}

	return report, nil
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func storeError(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Unavailable(msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
