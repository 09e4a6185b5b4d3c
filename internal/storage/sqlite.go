package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/echotruth/echotruth/internal/model"
)

const DefaultDBFile = "echotruth.sqlite3"
const errDBClientNil = "db client is nil"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("ECHOTRUTH_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && !os.IsExist(err) {
		if filepath.Dir(dbPath) != "." {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&model.Detection{}, &model.User{}, &model.APIKey{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// SaveDetection persists a new detection record. An ID is assigned when the
// caller did not set one. Detections are append-only; there is no update.
func (c *DBClient) SaveDetection(d *model.Detection) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := c.DB.Create(d).Error; err != nil {
		return fmt.Errorf("creating detection: %w", err)
	}
	return nil
}

func (c *DBClient) GetDetectionByID(id string) (*model.Detection, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}

	var d model.Detection
	err := c.DB.Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying detection: %w", err)
	}
	return &d, nil
}

// ListDetectionsByOwner returns one zero-based page of the owner's
// detections, newest first, along with the owner's total record count.
func (c *DBClient) ListDetectionsByOwner(ownerID string, page, size int) ([]model.Detection, int64, error) {
	if c == nil || c.DB == nil {
		return nil, 0, errors.New(errDBClientNil)
	}

	var total int64
	if err := c.DB.Model(&model.Detection{}).Where("owner_id = ?", ownerID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting detections: %w", err)
	}

	var detections []model.Detection
	err := c.DB.Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Offset(page * size).
		Limit(size).
		Find(&detections).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing detections: %w", err)
	}
	return detections, total, nil
}

// DeleteDetectionByID hard-deletes a detection. Deleting an id that does not
// exist reports ErrNotFound, deliberately not idempotent-success.
func (c *DBClient) DeleteDetectionByID(id string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}

	res := c.DB.Where("id = ?", id).Delete(&model.Detection{})
	if res.Error != nil {
		return fmt.Errorf("deleting detection: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *DBClient) CountDetections() (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var total int64
	if err := c.DB.Model(&model.Detection{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("counting detections: %w", err)
	}
	return total, nil
}

func (c *DBClient) CreateUser(u *model.User) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := c.DB.Create(u).Error; err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (c *DBClient) GetUserByUsername(username string) (*model.User, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var u model.User
	err := c.DB.Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

func (c *DBClient) GetUserByID(id string) (*model.User, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var u model.User
	err := c.DB.Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

func (c *DBClient) UsernameExists(username string) (bool, error) {
	return c.userFieldExists("username", username)
}

func (c *DBClient) EmailExists(email string) (bool, error) {
	return c.userFieldExists("email", email)
}

func (c *DBClient) userFieldExists(column, value string) (bool, error) {
	if c == nil || c.DB == nil {
		return false, errors.New(errDBClientNil)
	}
	var count int64
	if err := c.DB.Model(&model.User{}).Where(column+" = ?", value).Count(&count).Error; err != nil {
		return false, fmt.Errorf("querying users by %s: %w", column, err)
	}
	return count > 0, nil
}

func (c *DBClient) CountUsers() (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var total int64
	if err := c.DB.Model(&model.User{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return total, nil
}

func (c *DBClient) CreateAPIKey(k *model.APIKey) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if err := c.DB.Create(k).Error; err != nil {
		return fmt.Errorf("creating api key: %w", err)
	}
	return nil
}

func (c *DBClient) GetAPIKeyByHash(keyHash string) (*model.APIKey, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var k model.APIKey
	err := c.DB.Where("key_hash = ?", keyHash).First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return &k, nil
}

func (c *DBClient) ListAPIKeysByUser(userID string) ([]model.APIKey, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var keys []model.APIKey
	if err := c.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey deactivates a key owned by userID. Keys are never deleted so
// the audit trail of issued credentials survives revocation.
func (c *DBClient) RevokeAPIKey(userID, keyID string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	res := c.DB.Model(&model.APIKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("revoking api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey records key usage; failures are the caller's to log, not to
// fail a request over.
func (c *DBClient) TouchAPIKey(keyID string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	now := time.Now()
	if err := c.DB.Model(&model.APIKey{}).Where("id = ?", keyID).Update("last_used_at", &now).Error; err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}
