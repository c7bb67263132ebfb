package xentitle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Credential 身份持有的凭证（API Key、钱包地址等）
type Credential struct {
	ID        uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"id"`
	Identity  string    `gorm:"index;not null" json:"identity"`
	Address   string    `gorm:"uniqueIndex;not null" json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate 未指定 ID 时生成 UUID
func (c *Credential) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// TableName 表名
func (Credential) TableName() string {
	return "credentials"
}

// Subscription 凭证上的订阅
type Subscription struct {
	ID           uuid.UUID  `gorm:"type:varchar(36);primaryKey" json:"id"`
	CredentialID uuid.UUID  `gorm:"type:varchar(36);index;not null" json:"credential_id"`
	Plan         string     `gorm:"not null" json:"plan"`
	Status       string     `gorm:"index;not null;default:'active'" json:"status"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// BeforeCreate 未指定 ID 时生成 UUID
func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// TableName 表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// GormSource 直接查询订阅库的 EntitlementSource。
type GormSource struct {
	db  *gorm.DB
	now func() time.Time
}

// GormSourceOption GormSource 选项
type GormSourceOption func(*GormSource)

// WithGormClock 设置判断过期使用的时钟
func WithGormClock(now func() time.Time) GormSourceOption {
	return func(s *GormSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewGormSource 创建 GormSource。
func NewGormSource(db *gorm.DB, opts ...GormSourceOption) (*GormSource, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	s := &GormSource{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenPostgres 打开 PostgreSQL 连接并配置连接池。
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("xentitle: connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("xentitle: get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate 创建或更新 credentials 与 subscriptions 表
func (s *GormSource) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Credential{}, &Subscription{}); err != nil {
		return fmt.Errorf("xentitle: migrate: %w", err)
	}
	return nil
}

// Ping 检查数据库连通性
func (s *GormSource) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrQueryFailed, err)
	}
	return nil
}

// LookupActiveEntitlements 实现 xquota.EntitlementSource。
// 返回该身份任一凭证上状态为 active 且未过期的订阅计划，已去重。
func (s *GormSource) LookupActiveEntitlements(ctx context.Context, identity string) ([]string, error) {
	now := s.now().UTC()

	var plans []string
	err := s.db.WithContext(ctx).
		Model(&Subscription{}).
		Joins("JOIN credentials ON credentials.id = subscriptions.credential_id").
		Where("credentials.identity = ? AND subscriptions.status = ?", identity, StatusActive).
		Where("subscriptions.expires_at IS NULL OR subscriptions.expires_at > ?", now).
		Distinct("subscriptions.plan").
		Order("subscriptions.plan").
		Pluck("subscriptions.plan", &plans).Error
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return plans, nil
}
