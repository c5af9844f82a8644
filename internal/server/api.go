package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lumapix/lumapix/internal/generation"
	"github.com/lumapix/lumapix/internal/payment/checkout"
)

type checkoutRequest struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	InvitedBy *int64 `json:"invited_by"`
	Email     string `json:"email"`

	Tokens      int64  `json:"tokens"`
	RubAmount   int64  `json:"rub_amount"`
	Description string `json:"description"`
	Product     string `json:"product"`
	Bucket      string `json:"bucket"`

	PendingGeneration bool `json:"pending_generation"`
	TimeBoxedBonus    bool `json:"time_boxed_bonus"`
}

type checkoutResponse struct {
	IntentID        string `json:"intent_id"`
	ProviderID      string `json:"provider_id"`
	ConfirmationURL string `json:"confirmation_url"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.UserID == 0 {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}
	if req.RubAmount <= 0 {
		AbortWithError(c, newValidationError("rub_amount", "invalid", "rub_amount must be positive"))
		return
	}
	s.touch(req.UserID)

	result, err := s.checkoutSvc.CreateInvoice(c.Request.Context(), checkout.Request{
		UserID:            req.UserID,
		Username:          req.Username,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		InvitedBy:         req.InvitedBy,
		Email:             req.Email,
		Tokens:            req.Tokens,
		RubAmount:         req.RubAmount,
		Description:       req.Description,
		Product:           req.Product,
		Bucket:            req.Bucket,
		PendingGeneration: req.PendingGeneration,
		TimeBoxedBonus:    req.TimeBoxedBonus,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, checkoutResponse{
		IntentID:        strconv.FormatInt(result.IntentID, 10),
		ProviderID:      result.ProviderID,
		ConfirmationURL: result.ConfirmationURL,
	})
}

type checkResponse struct {
	Outcome  string            `json:"outcome"`
	Status   string            `json:"status,omitempty"`
	Code     string            `json:"code,omitempty"`
	Snapshot *snapshotResponse `json:"snapshot,omitempty"`
}

type snapshotResponse struct {
	TelegramID    int64  `json:"telegram_id"`
	Segment       string `json:"segment,omitempty"`
	AnimateTokens int64  `json:"animate_tokens"`
	AvatarTokens  int64  `json:"avatar_tokens"`
	TotalTokens   int64  `json:"total_tokens"`
}

func (s *Server) CheckPayment(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("provider_id"))
	if providerID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.CheckPayment(c.Request.Context(), providerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := checkResponse{
		Outcome: result.Outcome,
		Status:  result.Status,
		Code:    result.Code,
	}
	if result.Snapshot != nil {
		s.touch(result.Snapshot.TelegramID)
		resp.Snapshot = &snapshotResponse{
			TelegramID:    result.Snapshot.TelegramID,
			Segment:       result.Snapshot.Segment,
			AnimateTokens: result.Snapshot.AnimateTokens,
			AvatarTokens:  result.Snapshot.AvatarTokens,
			TotalTokens:   result.Snapshot.TotalTokens,
		}
	}
	c.JSON(http.StatusOK, resp)
}

type userSnapshotResponse struct {
	TelegramID     int64    `json:"telegram_id"`
	InternalID     int64    `json:"internal_id"`
	Segment        string   `json:"segment"`
	Email          string   `json:"email,omitempty"`
	AnimateTokens  int64    `json:"animate_tokens"`
	AvatarTokens   int64    `json:"avatar_tokens"`
	TotalTokens    int64    `json:"total_tokens"`
	FriendsCount   int64    `json:"friends_count"`
	ReferralEarned int64    `json:"referral_earned"`
	RecentInvitees []string `json:"recent_invitees,omitempty"`
	CloneUnlimited bool     `json:"clone_unlimited"`
	FreeTierUsed   bool     `json:"free_tier_used"`
}

func (s *Server) GetUserSnapshot(c *gin.Context) {
	telegramID, err := strconv.ParseInt(strings.TrimSpace(c.Param("telegram_id")), 10, 64)
	if err != nil || telegramID == 0 {
		AbortWithError(c, newValidationError("telegram_id", "invalid", "telegram_id must be a number"))
		return
	}

	snapshot, err := s.users.Snapshot(c.Request.Context(), s.db, telegramID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.touch(telegramID)

	c.JSON(http.StatusOK, userSnapshotResponse{
		TelegramID:     snapshot.TelegramID,
		InternalID:     snapshot.InternalID,
		Segment:        snapshot.Segment,
		Email:          snapshot.Email,
		AnimateTokens:  snapshot.AnimateTokens,
		AvatarTokens:   snapshot.AvatarTokens,
		TotalTokens:    snapshot.TotalTokens,
		FriendsCount:   snapshot.FriendsCount,
		ReferralEarned: snapshot.ReferralEarned,
		RecentInvitees: snapshot.RecentInvitees,
		CloneUnlimited: snapshot.CloneUnlimited,
		FreeTierUsed:   snapshot.FreeTierUsed,
	})
}

type animateRequest struct {
	UserID          int64  `json:"user_id"`
	Prompt          string `json:"prompt"`
	ImageURL        string `json:"image_url"`
	DurationSeconds int    `json:"duration_seconds"`
}

type animateResponse struct {
	GenerationID string `json:"generation_id"`
	VideoURL     string `json:"video_url"`
	NewBalance   int64  `json:"new_balance"`
}

func (s *Server) AnimatePhoto(c *gin.Context) {
	var req animateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.UserID == 0 {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		AbortWithError(c, newValidationError("image_url", "required", "image_url is required"))
		return
	}
	s.touch(req.UserID)

	result, err := s.generation.AnimatePhoto(c.Request.Context(), generation.Request{
		UserID:          req.UserID,
		Prompt:          req.Prompt,
		ImageURL:        req.ImageURL,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, animateResponse{
		GenerationID: result.GenerationID,
		VideoURL:     result.VideoURL,
		NewBalance:   result.NewBalance,
	})
}

func (s *Server) GetActiveUsers(c *gin.Context) {
	count := 0
	if s.activity != nil {
		count = s.activity.ActiveCount()
	}
	c.JSON(http.StatusOK, gin.H{"active_users": count})
}
