package dto

type TokenRequest struct {
	Subject string `json:"subject" binding:"required"`
	Role    string `json:"role"`
}

type TokenResponse struct {
	Token string `json:"token"`
}
