package models

import (
	"time"

	"gorm.io/gorm"
)

// Token is a coin the ladder trades. Bracket is the last tier assigned from a
// fresh market cap and is nil until one has been fetched.
type Token struct {
	gorm.Model
	Name        string     `gorm:"uniqueIndex;not null" json:"name"`
	Address     string     `json:"address"`
	MarketCap   float64    `json:"market_cap"`
	Bracket     *int       `json:"bracket"`
	MarketCapAt *time.Time `json:"market_cap_at"`
	Orders      []Order    `json:"-"`
}
