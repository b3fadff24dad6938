package remittance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	payoutmethoddomain "github.com/smallbiznis/rentflow/internal/payoutmethod/domain"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotSettled          = errors.New("transfer_not_settled")
	ErrPayoutMethodMissing = errors.New("payout_method_not_found")
)

// Advice is what the owner receives once a transfer settles.
type Advice struct {
	TransferID    snowflake.ID
	PaymentID     snowflake.ID
	OwnerID       snowflake.ID
	RoomID        snowflake.ID
	GrossAmount   int64
	PlatformFee   int64
	FeePercent    string
	Amount        int64
	MethodType    string
	AccountName   string
	AccountMasked string
	ExternalRef   string
	SettledAt     time.Time
}

// Renderer turns an advice into a document.
type Renderer interface {
	Render(ctx context.Context, advice Advice) ([]byte, error)
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	TransferSvc transferdomain.Service
	PaymentSvc  paymentdomain.Service
	MethodRepo  payoutmethoddomain.Repository
	Renderer    Renderer `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	transferSvc transferdomain.Service
	paymentSvc  paymentdomain.Service
	methodRepo  payoutmethoddomain.Repository
	renderer    Renderer
}

func NewService(p Params) *Service {
	renderer := p.Renderer
	if renderer == nil {
		renderer = NewPDFRenderer()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("remittance.service"),
		transferSvc: p.TransferSvc,
		paymentSvc:  p.PaymentSvc,
		methodRepo:  p.MethodRepo,
		renderer:    renderer,
	}
}

// Build assembles the advice for a settled transfer.
func (s *Service) Build(ctx context.Context, transferID snowflake.ID) (*Advice, error) {
	transfer, err := s.transferSvc.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != transferdomain.StatusSettled || transfer.ProcessedAt == nil {
		return nil, ErrNotSettled
	}

	payment, err := s.paymentSvc.Get(ctx, transfer.PaymentID)
	if err != nil {
		return nil, err
	}

	method, err := s.methodRepo.FindByID(ctx, s.db.WithContext(ctx), transfer.PayoutMethodID)
	if err != nil {
		return nil, err
	}
	if method == nil {
		return nil, ErrPayoutMethodMissing
	}

	advice := &Advice{
		TransferID:    transfer.ID,
		PaymentID:     payment.ID,
		OwnerID:       payment.OwnerID,
		RoomID:        payment.RoomID,
		GrossAmount:   payment.GrossAmount,
		Amount:        transfer.Amount,
		MethodType:    string(method.Type),
		AccountName:   method.AccountName,
		AccountMasked: MaskAccount(method.AccountIdentifier),
		SettledAt:     transfer.ProcessedAt.UTC(),
	}
	if payment.PlatformFee != nil {
		advice.PlatformFee = *payment.PlatformFee
	}
	if payment.FeePercent != nil {
		advice.FeePercent = *payment.FeePercent
	}
	if transfer.ExternalRef != nil {
		advice.ExternalRef = *transfer.ExternalRef
	}
	return advice, nil
}

// Document is a rendered advice.
type Document struct {
	Filename string
	Content  []byte
}

// RenderPDF builds and renders the advice for a settled transfer.
func (s *Service) RenderPDF(ctx context.Context, transferID snowflake.ID) (*Document, error) {
	advice, err := s.Build(ctx, transferID)
	if err != nil {
		return nil, err
	}
	content, err := s.renderer.Render(ctx, *advice)
	if err != nil {
		s.log.Error("failed to render remittance advice",
			zap.String("transfer_id", transferID.String()),
			zap.Error(err),
		)
		return nil, err
	}
	return &Document{Filename: Filename(*advice), Content: content}, nil
}

// Filename names the advice after the payee and the transfer.
func Filename(advice Advice) string {
	name := slug.Make(advice.AccountName)
	if name == "" {
		return "remittance-" + advice.TransferID.String() + ".pdf"
	}
	return "remittance-" + name + "-" + advice.TransferID.String() + ".pdf"
}

// MaskAccount keeps the last four characters of an account identifier.
func MaskAccount(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if len(identifier) <= 4 {
		return identifier
	}
	return strings.Repeat("*", len(identifier)-4) + identifier[len(identifier)-4:]
}
