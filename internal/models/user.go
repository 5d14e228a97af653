package models

// User is the signed-in account as returned by GET /auth/user. PromptLimit and PromptCount implement the
// coupon based usage limit: every sent prompt consumes one unit, and redeeming a coupon raises the limit.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PromptLimit int    `json:"prompt_limit"`
	PromptCount int    `json:"prompt_count"`
	CouponCode  string `json:"coupon_code,omitempty"`
}

// Coupon is the result of redeeming a coupon code.
type Coupon struct {
	CouponCode  string `json:"coupon_code"`
	PromptLimit int    `json:"prompt_limit"`
	PromptCount int    `json:"prompt_count"`
}

// Tokens are the credentials kept by the client between runs.
type Tokens struct {
	AccessToken string `json:"access_token"`
	CSRFToken   string `json:"csrf_token,omitempty"`
}

// RemainingPrompts returns how many prompts may still be sent, never below zero.
func (u User) RemainingPrompts() int {
	if u.PromptCount >= u.PromptLimit {
		return 0
	}
	return u.PromptLimit - u.PromptCount
}

// LimitReached reports whether the account used up its prompts.
func (u User) LimitReached() bool {
	return u.RemainingPrompts() == 0
}

// Apply copies the limits granted by a coupon onto the user.
func (u User) Apply(c Coupon) User {
	u.CouponCode = c.CouponCode
	u.PromptLimit = c.PromptLimit
	u.PromptCount = c.PromptCount
	return u
}

// Empty reports whether no access token is held.
func (t Tokens) Empty() bool {
	return t.AccessToken == ""
}
