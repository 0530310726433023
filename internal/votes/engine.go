// Package votes keeps reactions, upvote rows, denormalized counters and
// author karma consistent with each other.
package votes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/keylock"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxEmojiLength = 32

	operationSetReaction  = "votes.set_reaction"
	operationAnswerUpvote = "votes.answer_upvote"
)

// DefaultUpvoteEmojis are the reactions that count as an upvote.
var DefaultUpvoteEmojis = []string{"👍", "🔥"}

// Notifier receives upvote notifications after the vote commits.
type Notifier interface {
	Notify(ctx context.Context, request notifications.Request) (notifications.Payload, bool, error)
}

// Directory resolves display names for notification text.
type Directory interface {
	FirstName(ctx context.Context, userID string) string
}

// EngineConfig wires the vote engine.
type EngineConfig struct {
	Database     *gorm.DB
	IDs          ids.Provider
	UpvoteEmojis []string
	Notifier     Notifier
	Directory    Directory
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Engine applies reaction and upvote mutations as single transactions.
type Engine struct {
	db        *gorm.DB
	ids       ids.Provider
	upvoteSet map[string]struct{}
	notifier  Notifier
	directory Directory
	clock     func() time.Time
	locks     *keylock.Striped
	logger    *zap.Logger
}

type upvoteTrigger struct {
	recipientID string
	resourceID  string
	kind        TargetKind
}

// NewEngine constructs an Engine. A nil Notifier disables upvote notifications.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errors.New("votes: database handle is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("votes: id provider is required")
	}
	emojis := cfg.UpvoteEmojis
	if len(emojis) == 0 {
		emojis = DefaultUpvoteEmojis
	}
	upvoteSet := make(map[string]struct{}, len(emojis))
	for _, emoji := range emojis {
		if trimmed := strings.TrimSpace(emoji); trimmed != "" {
			upvoteSet[trimmed] = struct{}{}
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        cfg.Database,
		ids:       cfg.IDs,
		upvoteSet: upvoteSet,
		notifier:  cfg.Notifier,
		directory: cfg.Directory,
		clock:     clock,
		locks:     keylock.New(0),
		logger:    logger,
	}, nil
}

// IsUpvoteEquivalent reports whether emoji counts as an upvote.
func (e *Engine) IsUpvoteEquivalent(emoji string) bool {
	_, ok := e.upvoteSet[emoji]
	return ok
}

// SetReaction creates, toggles off or switches the user's reaction on the
// question and reconciles the paired upvote, counter and karma in the same
// transaction.
func (e *Engine) SetReaction(ctx context.Context, userID, questionID, emoji string) (ReactionResult, error) {
	userID = strings.TrimSpace(userID)
	questionID = strings.TrimSpace(questionID)
	emoji = strings.TrimSpace(emoji)
	if userID == "" {
		return ReactionResult{}, ErrMissingUser
	}
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return ReactionResult{}, ErrInvalidEmoji
	}

	result := ReactionResult{QuestionID: questionID}
	var trigger *upvoteTrigger
	err := e.locked(voteKey(userID, TargetQuestion, questionID), func() error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var question Question
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("question_id = ?", questionID).
				Take(&question).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrQuestionNotFound
				}
				return err
			}

			var existing Reaction
			found := true
			if err := tx.Where("user_id = ? AND question_id = ?", userID, questionID).Take(&existing).Error; err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				found = false
			}

			now := e.clock().UTC()
			wasUpvote := found && e.IsUpvoteEquivalent(existing.Emoji)
			var isUpvote bool
			switch {
			case !found:
				reactionID, err := e.ids.NewID()
				if err != nil {
					return err
				}
				reaction := Reaction{ID: reactionID, UserID: userID, QuestionID: questionID, Emoji: emoji, CreatedAt: now, UpdatedAt: now}
				if err := tx.Create(&reaction).Error; err != nil {
					return err
				}
				isUpvote = e.IsUpvoteEquivalent(emoji)
				result.Emoji = emoji
				result.Transition = TransitionCreated
			case existing.Emoji == emoji:
				if err := tx.Delete(&existing).Error; err != nil {
					return err
				}
				isUpvote = false
				result.Transition = TransitionRemoved
			default:
				if err := tx.Model(&existing).Updates(map[string]interface{}{"emoji": emoji, "updated_at": now}).Error; err != nil {
					return err
				}
				isUpvote = e.IsUpvoteEquivalent(emoji)
				result.Emoji = emoji
				result.Transition = TransitionSwitched
			}

			switch {
			case !wasUpvote && isUpvote:
				if err := e.addUpvote(tx, userID, TargetQuestion, questionID, question.AuthorID, now); err != nil {
					return err
				}
				trigger = &upvoteTrigger{recipientID: question.AuthorID, resourceID: questionID, kind: TargetQuestion}
			case wasUpvote && !isUpvote:
				if err := e.removeUpvote(tx, userID, TargetQuestion, questionID, question.AuthorID); err != nil {
					return err
				}
			}

			var refreshed Question
			if err := tx.Where("question_id = ?", questionID).Take(&refreshed).Error; err != nil {
				return err
			}
			result.UpvoteCount = refreshed.UpvoteCount
			result.Upvoted = isUpvote
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrQuestionNotFound) {
			return ReactionResult{}, err
		}
		e.logError(operationSetReaction, "transaction_failed", err, zap.String("question_id", questionID), zap.String("user_id", userID))
		return ReactionResult{}, serviceerr.New(operationSetReaction, "transaction_failed", err)
	}

	metrics.ReactionTransitions.WithLabelValues(string(result.Transition)).Inc()
	e.notifyUpvote(ctx, userID, trigger)
	return result, nil
}

// ToggleAnswerUpvote adds the user's upvote to the answer or removes it.
func (e *Engine) ToggleAnswerUpvote(ctx context.Context, userID, answerID string) (AnswerUpvoteResult, error) {
	userID = strings.TrimSpace(userID)
	answerID = strings.TrimSpace(answerID)
	if userID == "" {
		return AnswerUpvoteResult{}, ErrMissingUser
	}

	result := AnswerUpvoteResult{AnswerID: answerID}
	var trigger *upvoteTrigger
	err := e.locked(voteKey(userID, TargetAnswer, answerID), func() error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var answer Answer
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("answer_id = ?", answerID).
				Take(&answer).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrAnswerNotFound
				}
				return err
			}

			var existing int64
			if err := tx.Model(&Upvote{}).
				Where("user_id = ? AND target_kind = ? AND target_id = ?", userID, TargetAnswer, answerID).
				Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				if err := e.removeUpvote(tx, userID, TargetAnswer, answerID, answer.AuthorID); err != nil {
					return err
				}
			} else {
				if err := e.addUpvote(tx, userID, TargetAnswer, answerID, answer.AuthorID, e.clock().UTC()); err != nil {
					return err
				}
				result.Upvoted = true
				trigger = &upvoteTrigger{recipientID: answer.AuthorID, resourceID: answerID, kind: TargetAnswer}
			}

			var refreshed Answer
			if err := tx.Where("answer_id = ?", answerID).Take(&refreshed).Error; err != nil {
				return err
			}
			result.UpvoteCount = refreshed.UpvoteCount
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrAnswerNotFound) {
			return AnswerUpvoteResult{}, err
		}
		e.logError(operationAnswerUpvote, "transaction_failed", err, zap.String("answer_id", answerID), zap.String("user_id", userID))
		return AnswerUpvoteResult{}, serviceerr.New(operationAnswerUpvote, "transaction_failed", err)
	}

	e.notifyUpvote(ctx, userID, trigger)
	return result, nil
}

// locked runs fn while holding the stripe for key.
func (e *Engine) locked(key string, fn func() error) error {
	unlock := e.locks.Lock(key)
	defer unlock()
	return fn()
}

func voteKey(userID string, kind TargetKind, targetID string) string {
	return userID + "|" + string(kind) + "|" + targetID
}

func (e *Engine) addUpvote(tx *gorm.DB, userID string, kind TargetKind, targetID, authorID string, now time.Time) error {
	upvoteID, err := e.ids.NewID()
	if err != nil {
		return err
	}
	upvote := Upvote{ID: upvoteID, UserID: userID, TargetKind: kind, TargetID: targetID, CreatedAt: now}
	if err := tx.Create(&upvote).Error; err != nil {
		return err
	}
	if err := adjustCounter(tx, kind, targetID, 1); err != nil {
		return err
	}
	return users.AdjustKarma(tx, authorID, 1)
}

func (e *Engine) removeUpvote(tx *gorm.DB, userID string, kind TargetKind, targetID, authorID string) error {
	deleted := tx.Where("user_id = ? AND target_kind = ? AND target_id = ?", userID, kind, targetID).Delete(&Upvote{})
	if deleted.Error != nil {
		return deleted.Error
	}
	if deleted.RowsAffected == 0 {
		return nil
	}
	if err := adjustCounter(tx, kind, targetID, -1); err != nil {
		return err
	}
	return users.AdjustKarma(tx, authorID, -1)
}

func adjustCounter(tx *gorm.DB, kind TargetKind, targetID string, delta int64) error {
	switch kind {
	case TargetQuestion:
		return tx.Model(&Question{}).
			Where("question_id = ?", targetID).
			Update("upvote_count", gorm.Expr("upvote_count + ?", delta)).Error
	case TargetAnswer:
		return tx.Model(&Answer{}).
			Where("answer_id = ?", targetID).
			Update("upvote_count", gorm.Expr("upvote_count + ?", delta)).Error
	default:
		return fmt.Errorf("votes: unknown target kind %q", kind)
	}
}

func (e *Engine) notifyUpvote(ctx context.Context, actorID string, trigger *upvoteTrigger) {
	if trigger == nil || e.notifier == nil {
		return
	}
	actorName := actorID
	if e.directory != nil {
		actorName = e.directory.FirstName(ctx, actorID)
	}
	resourceID := trigger.resourceID
	_, _, err := e.notifier.Notify(ctx, notifications.Request{
		RecipientID: trigger.recipientID,
		ActorID:     actorID,
		Kind:        notifications.KindUpvote,
		Message:     fmt.Sprintf("%s upvoted your %s", actorName, trigger.kind),
		ResourceID:  &resourceID,
	})
	if err != nil {
		e.logger.Warn("upvote notification failed",
			zap.String("recipient_id", trigger.recipientID),
			zap.String("resource_id", resourceID),
			zap.Error(err))
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if e.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("vote operation failed", allFields...)
}
