package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
	"github.com/vibast-solutions/ms-go-entitlements/app/types"
)

func ReceiptToResponse(item *entity.Receipt) *types.Receipt {
	if item == nil {
		return nil
	}

	return &types.Receipt{
		CustomerID:        item.CustomerID,
		ExpireDate:        item.ExpireDate.UTC().Format(time.RFC3339),
		PurchaseDate:      item.PurchaseDate.UTC().Format(time.RFC3339),
		Amount:            item.Amount,
		Currency:          item.Currency,
		Status:            item.Status,
		Reference:         item.Reference,
		OriginalReference: item.OriginalReference,
		Platform:          item.Platform,
		ProductID:         item.ProductID,
		GivesAccess:       item.GivesAccess,
	}
}
