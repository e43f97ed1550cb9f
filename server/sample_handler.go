package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"
	"github.com/adewale/keyboardia-sub006/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxSampleSize = 16 << 20 // 16MB

// UploadSampleHandler 上传采样音频
func (h *APIHandler) UploadSampleHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := r.ParseMultipartForm(maxSampleSize); err != nil {
		respondWithError(w, http.StatusBadRequest, "Failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("sampleFile")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Missing 'sampleFile' in form")
		return
	}
	defer file.Close()

	if header.Size > maxSampleSize {
		respondWithError(w, http.StatusRequestEntityTooLarge, "Sample too large")
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = header.Filename
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sampleID := uuid.New().String()
	objectKey, err := storage.UploadSample(r.Context(), sampleID, file, header.Size, contentType)
	if err != nil {
		logger.Error("failed to upload sample", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to upload sample")
		return
	}

	sample := &model.Sample{
		ID:          sampleID,
		OwnerID:     userID,
		Name:        name,
		ObjectKey:   objectKey,
		ContentType: contentType,
		Size:        header.Size,
	}
	if err := h.sampleRepo.Create(r.Context(), sample); err != nil {
		logger.Error("failed to save sample metadata", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to save sample")
		return
	}

	logger.Info("sample uploaded",
		logger.String("sample", sampleID),
		logger.Int64("owner", userID),
		logger.Int64("size", header.Size))

	respondWithJSON(w, http.StatusCreated, sample)
}

// ListSamplesHandler 列出当前用户的采样
func (h *APIHandler) ListSamplesHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	samples, err := h.sampleRepo.ListByOwner(r.Context(), userID)
	if err != nil {
		logger.Error("failed to list samples", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to list samples")
		return
	}
	respondWithJSON(w, http.StatusOK, samples)
}

// GetSampleURLHandler 生成采样的限时下载链接
func (h *APIHandler) GetSampleURLHandler(w http.ResponseWriter, r *http.Request) {
	sampleID := mux.Vars(r)["id"]

	sample, err := h.sampleRepo.GetByID(r.Context(), sampleID)
	if err != nil {
		logger.Error("failed to load sample", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to load sample")
		return
	}
	if sample == nil {
		respondWithError(w, http.StatusNotFound, "Sample not found")
		return
	}

	url, err := storage.PresignedSampleURL(r.Context(), sample.ObjectKey, time.Hour)
	if err != nil {
		logger.Error("failed to presign sample url", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to generate download link")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"url":       url,
		"expiresIn": "3600",
	})
}

// DeleteSampleHandler 删除采样（仅限上传者）
func (h *APIHandler) DeleteSampleHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	sampleID := mux.Vars(r)["id"]

	sample, err := h.sampleRepo.GetByID(r.Context(), sampleID)
	if err != nil {
		logger.Error("failed to load sample", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to load sample")
		return
	}
	if sample == nil {
		respondWithError(w, http.StatusNotFound, "Sample not found")
		return
	}
	if sample.OwnerID != userID {
		respondWithError(w, http.StatusForbidden, "Only the uploader can delete a sample")
		return
	}

	if err := storage.RemoveSample(r.Context(), sample.ObjectKey); err != nil {
		logger.Warn("failed to remove sample object",
			logger.ErrorField(err),
			logger.String("sample", sampleID))
	}
	if err := h.sampleRepo.Delete(r.Context(), sampleID, userID); err != nil {
		logger.Error("failed to delete sample", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to delete sample")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
