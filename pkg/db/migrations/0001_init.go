package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// SigningJob is one upload-to-signed-artifact unit of work. The id is a short
// random hex key handed to the client on upload.
type SigningJob struct {
	ID                string            `gorm:"type:text;primaryKey"`
	CustomName        string            `gorm:"type:text"`
	BundleID          string            `gorm:"type:text"`
	StripProvisioning bool              `gorm:"type:boolean;not null;default:false"`
	Meta              datatypes.JSONMap `gorm:"type:jsonb"`
	ExpireAt          time.Time         `gorm:"type:timestamptz;not null;index"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

// StoredCredential maps a hashed client secret to the job whose certificate
// and profile files it unlocks. Only the argon2id hash of the secret is
// persisted; the plaintext is returned to the client exactly once.
type StoredCredential struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerJobID string    `gorm:"type:text;not null;index"`
	SecretHash string    `gorm:"type:text;not null"`
	ExpireAt   time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&SigningJob{},
		&StoredCredential{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, model := range []any{&StoredCredential{}, &SigningJob{}} {
		if err := m.DropTable(model); err != nil {
			return err
		}
	}
	return nil
}
