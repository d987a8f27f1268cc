package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/reference"
)

// CatalogHandler exposes catalog reloads and price lookups.
type CatalogHandler struct {
	logger     arbor.ILogger
	catalogSvc *catalog.Service
	prices     *reference.Service
}

func NewCatalogHandler(logger arbor.ILogger, catalogSvc *catalog.Service, prices *reference.Service) *CatalogHandler {
	return &CatalogHandler{logger: logger, catalogSvc: catalogSvc, prices: prices}
}

// ReloadHandler re-reads the catalog and price books from disk.
func (h *CatalogHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	if err := h.catalogSvc.Reload(); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.prices.Reload(); err != nil {
		h.logger.Warn().Err(err).Msg("Price book reload failed, keeping previous")
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"cards":  h.catalogSvc.Snapshot().Size(),
		"prices": h.prices.Size(),
	})
}

// PriceHandler returns the reference price for one catalog id.
func (h *CatalogHandler) PriceHandler(w http.ResponseWriter, r *http.Request, catalogID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	card, ok := h.catalogSvc.Snapshot().ByID(catalogID)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown catalog id")
		return
	}
	price, ok := h.prices.ByCatalogID(catalogID)
	if !ok {
		WriteError(w, http.StatusNotFound, "no price on record")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"catalog_id": catalogID,
		"title":      card.Title(),
		"price":      price,
	})
}
