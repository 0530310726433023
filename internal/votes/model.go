package votes

import (
	"errors"
	"time"
)

// TargetKind distinguishes what an upvote endorses.
type TargetKind string

const (
	TargetQuestion TargetKind = "question"
	TargetAnswer   TargetKind = "answer"
)

var (
	ErrQuestionNotFound = errors.New("votes: question not found")
	ErrAnswerNotFound   = errors.New("votes: answer not found")
	ErrInvalidEmoji     = errors.New("votes: invalid emoji")
	ErrMissingUser      = errors.New("votes: user id required")
)

// Question is the vote-bearing projection of a Q&A question.
type Question struct {
	ID          string    `gorm:"column:question_id;primaryKey;size:64;not null"`
	AuthorID    string    `gorm:"column:author_id;size:190;not null;index"`
	Title       string    `gorm:"column:title;size:300;not null"`
	UpvoteCount int64     `gorm:"column:upvote_count;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Question) TableName() string {
	return "questions"
}

// Answer is the vote-bearing projection of an answer.
type Answer struct {
	ID          string    `gorm:"column:answer_id;primaryKey;size:64;not null"`
	QuestionID  string    `gorm:"column:question_id;size:64;not null;index"`
	AuthorID    string    `gorm:"column:author_id;size:190;not null;index"`
	UpvoteCount int64     `gorm:"column:upvote_count;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Answer) TableName() string {
	return "answers"
}

// Reaction is a user's single emoji on a question.
type Reaction struct {
	ID         string    `gorm:"column:reaction_id;primaryKey;size:64;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_reactions_user_question,priority:1"`
	QuestionID string    `gorm:"column:question_id;size:64;not null;uniqueIndex:idx_reactions_user_question,priority:2"`
	Emoji      string    `gorm:"column:emoji;size:32;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Reaction) TableName() string {
	return "reactions"
}

// Upvote is a karma-bearing endorsement of one question or answer.
type Upvote struct {
	ID         string     `gorm:"column:upvote_id;primaryKey;size:64;not null"`
	UserID     string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_upvotes_user_target,priority:1"`
	TargetKind TargetKind `gorm:"column:target_kind;size:16;not null;uniqueIndex:idx_upvotes_user_target,priority:2"`
	TargetID   string     `gorm:"column:target_id;size:64;not null;uniqueIndex:idx_upvotes_user_target,priority:3"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Upvote) TableName() string {
	return "upvotes"
}

// Transition names what a reaction mutation did.
type Transition string

const (
	TransitionCreated  Transition = "created"
	TransitionRemoved  Transition = "removed"
	TransitionSwitched Transition = "switched"
)

// ReactionResult is the state after SetReaction.
type ReactionResult struct {
	QuestionID  string     `json:"questionId"`
	Emoji       string     `json:"emoji"`
	Upvoted     bool       `json:"upvoted"`
	UpvoteCount int64      `json:"upvoteCount"`
	Transition  Transition `json:"transition"`
}

// AnswerUpvoteResult is the state after ToggleAnswerUpvote.
type AnswerUpvoteResult struct {
	AnswerID    string `json:"answerId"`
	Upvoted     bool   `json:"upvoted"`
	UpvoteCount int64  `json:"upvoteCount"`
}
