package escrow

import (
	"context"
	"net/http"
	"time"

	"rewardplane/pkg/db/option"
	"rewardplane/pkg/errutil"
	"rewardplane/pkg/repository"
	"rewardplane/services/campaign"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Account tracks the funds locked against one campaign's launch.
type Account struct {
	ID         string    `json:"id" gorm:"column:id;primaryKey"`
	CampaignID string    `json:"campaign_id" gorm:"column:campaign_id;uniqueIndex"`
	Balance    int64     `json:"balance" gorm:"column:balance"`
	CreatedAt  time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string {
	return "escrow_accounts"
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	accounts repository.Repository[Account]
}

func NewService(db *gorm.DB, node *snowflake.Node) *Service {
	return &Service{
		db:   db,
		node: node,

		accounts: repository.ProvideStore[Account](db),
	}
}

// Deposit adds locked funds to a campaign's escrow account, creating it on
// first use.
func (s *Service) Deposit(ctx context.Context, campaignID string, amount int64) (*Account, error) {
	if amount <= 0 {
		return nil, errutil.ValidationFailed("invalid deposit",
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be greater than 0"}))
	}

	var out *Account
	err := s.db.Transaction(func(tx *gorm.DB) error {
		accountsTx := s.accounts.WithTrx(tx)

		account, err := accountsTx.FindOne(ctx, &Account{CampaignID: campaignID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if account == nil {
			account = &Account{
				ID:         s.node.Generate().String(),
				CampaignID: campaignID,
				Balance:    amount,
			}
			if err := accountsTx.Create(ctx, account); err != nil {
				return err
			}
			out = account
			return nil
		}

		account.Balance += amount
		if err := tx.WithContext(ctx).Model(&Account{}).
			Where("id = ?", account.ID).
			Update("balance", account.Balance).Error; err != nil {
			return err
		}
		out = account
		return nil
	})
	return out, err
}

// CheckEscrow reports the locked balance for a campaign, zero when no
// account exists.
func (s *Service) CheckEscrow(ctx context.Context, campaignID string) (int64, error) {
	account, err := s.accounts.FindOne(ctx, &Account{CampaignID: campaignID})
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, nil
	}
	return account.Balance, nil
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	{
		v1.POST("/campaigns/:id/escrow", h.Deposit)
		v1.GET("/campaigns/:id/escrow", h.Balance)
	}
}

func (h *Handler) Deposit(c *gin.Context) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	account, err := h.svc.Deposit(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) Balance(c *gin.Context) {
	balance, err := h.svc.CheckEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

var Module = fx.Module("escrow.module",
	fx.Provide(
		NewService,
		NewHandler,
		func(s *Service) campaign.EscrowProvider { return s },
	),
	fx.Invoke(RegisterRoutes),
)
