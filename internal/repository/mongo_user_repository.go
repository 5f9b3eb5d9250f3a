package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
)

// MongoUserRepo is the document-store UserStore backing the website. Each
// mutation is a single update operator on one document, which MongoDB
// applies atomically.
type MongoUserRepo struct {
	coll *mongo.Collection
}

var _ UserStore = (*MongoUserRepo)(nil)

func NewMongoUserRepo(db *mongo.Database) *MongoUserRepo {
	return &MongoUserRepo{coll: db.Collection("users")}
}

// EnsureIndexes creates the unique email index.
func (r *MongoUserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uq_users_email"),
	})
	return err
}

func (r *MongoUserRepo) Create(ctx context.Context, u model.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.MFABackupCodes == nil {
		u.MFABackupCodes = []string{}
	}
	if u.ActiveSessions == nil {
		u.ActiveSessions = []model.ActiveSession{}
	}
	if _, err := r.coll.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *MongoUserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.findOne(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (r *MongoUserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoUserRepo) RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip string, s model.ActiveSession) error {
	return r.updateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"failedLoginAttempts": 0,
			"lockedUntil":         nil,
			"lastLoginAt":         at,
			"lastLoginIP":         ip,
			"updatedAt":           at,
		},
		"$push": bson.M{
			"activeSessions": bson.M{"$each": []model.ActiveSession{s}, "$slice": -model.MaxActiveSessions},
		},
	})
}

func (r *MongoUserRepo) RecordLoginFailure(ctx context.Context, id string, lockAfter int, lockFor time.Duration, now time.Time) (int, error) {
	var u model.User
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"failedLoginAttempts": 1}, "$set": bson.M{"updatedAt": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&u)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment failures: %w", err)
	}
	attempts := u.FailedLoginAttempts
	if lockAfter > 0 && attempts >= lockAfter {
		// matching on the counter keeps a racing increment from being lost
		_, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": id, "failedLoginAttempts": attempts},
			bson.M{"$set": bson.M{"lockedUntil": now.Add(lockFor), "failedLoginAttempts": 0}},
		)
		if err != nil {
			return attempts, fmt.Errorf("lock account: %w", err)
		}
	}
	return attempts, nil
}

func (r *MongoUserRepo) TouchSession(ctx context.Context, id, sessionID string, at time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "activeSessions.sessionId": sessionID},
		bson.M{"$set": bson.M{"activeSessions.$.lastActivity": at}},
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *MongoUserRepo) RemoveSession(ctx context.Context, id, sessionID string) error {
	return r.updateOne(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"activeSessions": bson.M{"sessionId": sessionID}},
	})
}

func (r *MongoUserRepo) EnableMFA(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	return r.updateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"mfaEnabled":     true,
		"mfaSecret":      secret,
		"mfaBackupCodes": nonNil(backupCodeHashes),
		"updatedAt":      time.Now().UTC(),
	}})
}

func (r *MongoUserRepo) DisableMFA(ctx context.Context, id string) error {
	return r.updateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"mfaEnabled":     false,
		"mfaSecret":      nil,
		"mfaBackupCodes": []string{},
		"updatedAt":      time.Now().UTC(),
	}})
}

// ConsumeBackupCode matches the code in the filter and pulls it in the same
// update, so only one of two concurrent callers can modify the document.
func (r *MongoUserRepo) ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "mfaEnabled": true, "mfaBackupCodes": codeHash},
		bson.M{"$pull": bson.M{"mfaBackupCodes": codeHash}},
	)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *MongoUserRepo) findOne(ctx context.Context, filter bson.M) (model.User, error) {
	var u model.User
	if err := r.coll.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (r *MongoUserRepo) updateOne(ctx context.Context, filter bson.M, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
