package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-notes-api/internal/models"
)

func setupChatTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Chat{}, &models.ChatMember{}, &models.Message{},
		&models.MessageRead{}, &models.MessageReaction{}, &models.UploadRecord{},
	))
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, names ...string) []models.User {
	t.Helper()
	users := make([]models.User, 0, len(names))
	for _, name := range names {
		user := models.User{Name: name, Email: name + "@example.com"}
		require.NoError(t, db.Create(&user).Error)
		users = append(users, user)
	}
	return users
}

func saveText(t *testing.T, repo ChatRepository, chatID, senderID, content string, at time.Time) models.Message {
	t.Helper()
	message := models.Message{ChatID: chatID, SenderID: senderID, Content: content, Type: models.MessageTypeText, CreatedAt: at, UpdatedAt: at}
	require.NoError(t, repo.SaveMessage(context.Background(), &message))
	return message
}

func TestChatRepositoryFindOrCreateDirectIsUnique(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	users := seedUsers(t, db, "alice", "bob")
	ctx := context.Background()

	chat, created, err := repo.FindOrCreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.ChatKindDirect, chat.Kind)
	require.Len(t, chat.Members, 2)

	again, created, err := repo.FindOrCreateDirect(ctx, users[1].ID, users[0].ID)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, chat.ID, again.ID)
}

func TestChatRepositoryListForUserOrdersByRecency(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	users := seedUsers(t, db, "alice", "bob", "carol")
	ctx := context.Background()

	withBob, _, err := repo.FindOrCreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	withCarol, _, err := repo.FindOrCreateDirect(ctx, users[0].ID, users[2].ID)
	require.NoError(t, err)

	base := time.Now().UTC().Add(time.Hour)
	saveText(t, repo, withCarol.ID, users[2].ID, "first", base)
	saveText(t, repo, withBob.ID, users[1].ID, "second", base.Add(time.Minute))

	chats, err := repo.ListForUser(ctx, users[0].ID)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, withBob.ID, chats[0].ID)
	require.Equal(t, withCarol.ID, chats[1].ID)

	bobChats, err := repo.ListForUser(ctx, users[1].ID)
	require.NoError(t, err)
	require.Len(t, bobChats, 1)
}

func TestChatRepositoryListMessagesAscendingWithPaging(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	users := seedUsers(t, db, "alice", "bob")
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		saveText(t, repo, chat.ID, users[i%2].ID, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
	}

	latest, err := repo.ListMessages(ctx, chat.ID, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	require.Equal(t, "m2", latest[0].Content)
	require.Equal(t, "m4", latest[2].Content)
	require.Equal(t, "alice", latest[0].Sender.Name)

	older, err := repo.ListMessages(ctx, chat.ID, latest[0].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, older, 2)
	require.Equal(t, "m0", older[0].Content)
}

func TestChatRepositoryMarkReadIsIdempotent(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	users := seedUsers(t, db, "alice", "bob")
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	fromBob := saveText(t, repo, chat.ID, users[1].ID, "hi", now)
	fromAlice := saveText(t, repo, chat.ID, users[0].ID, "hey", now.Add(time.Second))

	counts, err := repo.UnreadCounts(ctx, users[0].ID, []string{chat.ID})
	require.NoError(t, err)
	require.Equal(t, 1, counts[chat.ID])

	marked, err := repo.MarkRead(ctx, chat.ID, users[0].ID, []string{fromBob.ID, fromAlice.ID}, now)
	require.NoError(t, err)
	require.Equal(t, []string{fromBob.ID}, marked, "own messages are never marked")

	marked, err = repo.MarkRead(ctx, chat.ID, users[0].ID, []string{fromBob.ID}, now.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, marked)

	message, err := repo.GetMessage(ctx, fromBob.ID)
	require.NoError(t, err)
	require.Len(t, message.Reads, 1)
	require.WithinDuration(t, now, message.Reads[0].ReadAt, time.Millisecond)

	counts, err = repo.UnreadCounts(ctx, users[0].ID, []string{chat.ID})
	require.NoError(t, err)
	require.Zero(t, counts[chat.ID])
}

func TestChatRepositoryReactions(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	users := seedUsers(t, db, "alice", "bob")
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	message := saveText(t, repo, chat.ID, users[0].ID, "hi", time.Now().UTC())

	require.NoError(t, repo.AddReaction(ctx, message.ID, users[1].ID, "👍"))
	require.NoError(t, repo.AddReaction(ctx, message.ID, users[1].ID, "👍"))
	require.NoError(t, repo.AddReaction(ctx, message.ID, users[0].ID, "🎉"))

	reactions, err := repo.ListReactions(ctx, message.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 2)

	require.NoError(t, repo.RemoveReaction(ctx, message.ID, users[1].ID, "👍"))
	reactions, err = repo.ListReactions(ctx, message.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	require.Equal(t, "🎉", reactions[0].Emoji)
}

func TestChatRepositorySoftDeleteKeepsRow(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	users := seedUsers(t, db, "alice", "bob")
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	message := models.Message{
		ChatID:     chat.ID,
		SenderID:   users[0].ID,
		Type:       models.MessageTypeFile,
		Attachment: map[string]interface{}{models.AttachmentURL: "https://cdn.example.com/a.pdf"},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.SaveMessage(ctx, &message))

	require.NoError(t, repo.SoftDelete(ctx, message.ID))

	stored, err := repo.GetMessage(ctx, message.ID)
	require.NoError(t, err)
	require.True(t, stored.IsDeleted)
	require.Empty(t, stored.Content)
	require.Empty(t, stored.AttachmentValue(models.AttachmentURL))

	require.ErrorIs(t, repo.SoftDelete(ctx, uuid.NewString()), ErrMessageNotFound)
}

func TestChatRepositoryContactsAndMembership(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	users := seedUsers(t, db, "alice", "bob", "carol", "dave")
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "study", []string{users[0].ID, users[1].ID, users[2].ID, users[1].ID})
	require.NoError(t, err)
	require.Len(t, group.Members, 3)

	member, err := repo.IsMember(ctx, group.ID, users[3].ID)
	require.NoError(t, err)
	require.False(t, member)

	contacts, err := repo.ContactIDs(ctx, users[0].ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{users[1].ID, users[2].ID}, contacts)
}
