package remittance

import (
	"context"
	"strconv"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type PDFRenderer struct{}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

func (r *PDFRenderer) Render(ctx context.Context, advice Advice) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, "Remittance advice", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Transfer: "+advice.TransferID.String(), props.Text{Top: 0}),
			text.New("Payment: "+advice.PaymentID.String(), props.Text{Top: 4}),
			text.New("Room: "+advice.RoomID.String(), props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Settled: "+advice.SettledAt.Format("2006-01-02 15:04 MST"), props.Text{Top: 0, Align: align.Right}),
			text.New("Reference: "+advice.ExternalRef, props.Text{Top: 4, Align: align.Right}),
		),
	)

	m.AddRow(25,
		col.New(12).Add(
			text.New("Paid to", props.Text{Style: fontstyle.Bold}),
			text.New(advice.AccountName, props.Text{Top: 5}),
			text.New(advice.MethodType+" "+advice.AccountMasked, props.Text{Top: 9}),
		),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		text.NewCol(8, "Rent collected", props.Text{Size: 9}),
		text.NewCol(4, FormatAmount(advice.GrossAmount), props.Text{Size: 9, Align: align.Right}),
	)
	feeLabel := "Platform fee"
	if advice.FeePercent != "" {
		feeLabel += " (" + advice.FeePercent + "%)"
	}
	m.AddRow(8,
		text.NewCol(8, feeLabel, props.Text{Size: 9}),
		text.NewCol(4, "-"+FormatAmount(advice.PlatformFee), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(6),
		text.NewCol(2, "Paid out", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(4, FormatAmount(advice.Amount), props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

// FormatAmount groups an integer amount in thousands.
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return sign + b.String()
}
