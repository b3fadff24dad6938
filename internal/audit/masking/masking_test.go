package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("123"))
	assert.Equal(t, "****7890", MaskSecret("1234567890"))
	assert.Equal(t, "rf_op_****wxyz", MaskSecret("rf_op_abcdwxyz"))
}

func TestMaskMetadataOnlyTouchesSensitiveKeys(t *testing.T) {
	out := MaskMetadata(map[string]any{
		"account_number": "0011223344",
		"payment_id":     "42",
		"destination": map[string]any{
			"account_number": "99887766",
			"bank_code":      "BCA",
		},
		"signature": 12345,
	})

	assert.Equal(t, "****3344", out["account_number"])
	assert.Equal(t, "42", out["payment_id"])
	assert.Equal(t, "****", out["signature"])
	nested := out["destination"].(map[string]any)
	assert.Equal(t, "****7766", nested["account_number"])
	assert.Equal(t, "BCA", nested["bank_code"])
}
