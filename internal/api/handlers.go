package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/better-wallet/share-custody/internal/validation"
	apperrors "github.com/better-wallet/share-custody/pkg/errors"
)

// CreateSharesRequest is the body of POST /create-shares
type CreateSharesRequest struct {
	UserID       string `json:"userId"`
	UserPassword string `json:"userPassword"`
}

// CreateSharesResponse is returned by POST /create-shares
type CreateSharesResponse struct {
	Share1  string `json:"share1"`
	Address string `json:"address"`
}

// SignRequest is the body of POST /sign
type SignRequest struct {
	UserID       string `json:"userId"`
	Share1       string `json:"share1"`
	UserPassword string `json:"userPassword"`
	Message      string `json:"message"`
}

// SignResponse is returned by POST /sign
type SignResponse struct {
	Signature string `json:"signature"`
}

// RecoveryRequest is the body of POST /recovery
type RecoveryRequest struct {
	UserID       string `json:"userId"`
	UserPassword string `json:"userPassword"`
}

// RecoveryResponse is returned by POST /recovery
type RecoveryResponse struct {
	Share1 string `json:"share1"`
}

// VerifyRequest is the body of POST /verify
type VerifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// VerifyResponse is returned by POST /verify for a valid signature
type VerifyResponse struct {
	Valid            bool   `json:"valid"`
	Message          string `json:"message"`
	RecoveredAddress string `json:"recoveredAddress"`
}

var endpoints = []string{"/create-shares", "/sign", "/recovery", "/verify"}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, "Key Management Service API", map[string]any{
		"version":   Version,
		"endpoints": endpoints,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeMessage(w, http.StatusServiceUnavailable, false, "Service is shutting down")
		return
	}
	writeMessage(w, http.StatusOK, true, "Service is healthy")
}

func (s *Server) handleCreateShares(w http.ResponseWriter, r *http.Request) {
	var req CreateSharesRequest
	if !decode(w, r, &req) {
		return
	}

	v := validation.New()
	v.Field("userId", req.UserID)
	v.Password("userPassword", req.UserPassword)
	if err := v.Err(); err != nil {
		writeError(w, r, apperrors.Validation(err.Error()))
		return
	}

	res, err := s.custody.CreateShares(r.Context(), req.UserID, req.UserPassword)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "Shares created successfully", CreateSharesResponse{
		Share1:  res.ClientShare,
		Address: res.Identity,
	})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !decode(w, r, &req) {
		return
	}

	v := validation.New()
	v.Field("userId", req.UserID)
	v.Field("share1", req.Share1)
	v.Password("userPassword", req.UserPassword)
	v.Required("message", req.Message)
	if err := v.Err(); err != nil {
		writeError(w, r, apperrors.Validation(err.Error()))
		return
	}

	signature, err := s.custody.SignMessage(r.Context(), req.UserID, req.Share1, req.UserPassword, []byte(req.Message))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Message signed successfully", SignResponse{Signature: signature})
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if !decode(w, r, &req) {
		return
	}

	v := validation.New()
	v.Field("userId", req.UserID)
	v.Password("userPassword", req.UserPassword)
	if err := v.Err(); err != nil {
		writeError(w, r, apperrors.Validation(err.Error()))
		return
	}

	share, err := s.custody.RecoverShare(r.Context(), req.UserID, req.UserPassword)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Share recovered successfully", RecoveryResponse{Share1: share})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}

	v := validation.New()
	v.Required("message", req.Message)
	v.Field("signature", req.Signature)
	v.Field("address", req.Address)
	if err := v.Err(); err != nil {
		writeError(w, r, apperrors.Validation(err.Error()))
		return
	}

	result := s.verifier.Verify(req.Message, req.Signature, req.Address)
	if !result.Valid {
		writeMessage(w, http.StatusBadRequest, false, "Signature verification failed")
		return
	}

	writeSuccess(w, http.StatusOK, "Signature verified successfully", VerifyResponse{
		Valid:            true,
		Message:          req.Message,
		RecoveredAddress: result.RecoveredIdentity,
	})
}

// decode reads a JSON body into dst, writing the error response on failure
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, apperrors.New(apperrors.ErrCodeTooLarge, "Request body too large", http.StatusRequestEntityTooLarge))
		return false
	}
	writeError(w, r, apperrors.Validation("request body must be a JSON object"))
	return false
}
