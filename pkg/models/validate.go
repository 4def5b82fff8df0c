package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("ethaddr", func(fl validator.FieldLevel) bool {
		return common.IsHexAddress(fl.Field().String())
	})
	return v
}

// IsAddress reports whether s is a hex encoded Ethereum address
func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}
