package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telehealth-signaling/internal/models"
)

// ListOffers returns the current offers, optionally only those addressed to
// the offeringTo query parameter.
func (s *Server) ListOffers(c *gin.Context) {
	offeringTo := c.Query("offeringTo")

	offers := s.hub.Snapshot()
	if offeringTo != "" {
		filtered := make([]models.Offer, 0, len(offers))
		for _, o := range offers {
			if o.OfferingTo == offeringTo {
				filtered = append(filtered, o)
			}
		}
		offers = filtered
	}

	c.JSON(http.StatusOK, offers)
}
