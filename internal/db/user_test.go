package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMongoUserCollection_InsertUser(t *testing.T) {
	database := mongoTestDatabase(t)
	collection := database.Collection(UsersCollection)
	userCollection := &MongoUserCollection{Collection: collection}

	user := models.User{
		Username:     "testuser",
		Email:        "test@example.com",
		PasswordHash: "hashedpassword",
		Role:         models.RoleDispatcher,
	}

	err := userCollection.InsertUser(context.Background(), user)
	assert.NoError(t, err)

	var foundUser models.User
	err = collection.FindOne(context.Background(), bson.M{"username": "testuser"}).Decode(&foundUser)
	assert.NoError(t, err)
	assert.Equal(t, user.Email, foundUser.Email)
	assert.Equal(t, user.Role, foundUser.Role)
	assert.True(t, foundUser.IsActive)
	assert.NotZero(t, foundUser.CreatedAt)

	// Duplicate usernames are rejected by the unique index.
	err = userCollection.InsertUser(context.Background(), user)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestMongoUserCollection_FindUsers(t *testing.T) {
	database := mongoTestDatabase(t)
	userCollection := &MongoUserCollection{Collection: database.Collection(UsersCollection)}
	ctx := context.Background()

	require.NoError(t, userCollection.InsertUser(ctx, models.User{Username: "alice", Role: models.RoleDispatcher}))
	require.NoError(t, userCollection.InsertUser(ctx, models.User{Username: "bob", Role: models.RoleTechnician}))

	dispatchers, err := userCollection.FindUsers(ctx, models.RoleDispatcher)
	require.NoError(t, err)
	require.Len(t, dispatchers, 1)
	assert.Equal(t, "alice", dispatchers[0].Username)

	all, err := userCollection.FindUsers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMongoUserCollection_NotFound(t *testing.T) {
	database := mongoTestDatabase(t)
	userCollection := &MongoUserCollection{Collection: database.Collection(UsersCollection)}

	_, err := userCollection.FindUserByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
