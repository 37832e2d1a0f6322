package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tableside/internal/common/logger"
	"tableside/internal/microservices/order/domain"
	"tableside/internal/microservices/order/domain/dto"
	"tableside/internal/microservices/order/service"
)

const idempotencyHeader = "Idempotency-Key"

type OrderHandler struct {
	service service.OrderServiceInterface
	log     *logger.Logger
}

func NewOrderHandler(s service.OrderServiceInterface, lg *logger.Logger) *OrderHandler {
	if lg == nil {
		lg = logger.Nop()
	}
	return &OrderHandler{service: s, log: lg}
}

// SubmitItems answers 201 when the submission created the session's order and
// 200 when it merged into the open one.
func (oh *OrderHandler) SubmitItems(c *gin.Context) {
	var req dto.SubmitItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}

	order, result, err := oh.service.SubmitItems(c.Request.Context(),
		req.ToDomain(c.Param("tenantId"), c.GetHeader(idempotencyHeader)))
	if err != nil {
		writeError(c, oh.log, err)
		return
	}

	code := http.StatusOK
	if result == domain.ResultCreated {
		code = http.StatusCreated
	}
	c.JSON(code, dto.OrderResponse{Order: order})
}

func (oh *OrderHandler) GetOrder(c *gin.Context) {
	order, err := oh.service.GetOrder(c.Request.Context(), c.Param("tenantId"), c.Param("orderId"))
	if err != nil {
		writeError(c, oh.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.OrderResponse{Order: order})
}

// GetBySession is the cart mirror's reconciliation read. A session without an
// order yields {"order": null}.
func (oh *OrderHandler) GetBySession(c *gin.Context) {
	order, err := oh.service.GetOpenBySession(c.Request.Context(), c.Param("tenantId"), c.Param("sessionId"))
	if err != nil {
		writeError(c, oh.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.OrderResponse{Order: order})
}

func (oh *OrderHandler) SetStatus(c *gin.Context) {
	var req dto.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	status, ok := domain.ParseStatus(req.Status)
	if !ok {
		badRequest(c, "unknown status "+strconv.Quote(req.Status))
		return
	}

	order, err := oh.service.SetStatus(c.Request.Context(), c.Param("tenantId"), c.Param("orderId"), status, req.ChangedBy)
	if err != nil {
		writeError(c, oh.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.OrderResponse{Order: order})
}

func (oh *OrderHandler) UpdateBilling(c *gin.Context) {
	var req dto.BillingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	update, err := req.ToDomain()
	if err != nil {
		writeError(c, oh.log, err)
		return
	}

	order, err := oh.service.UpdateBilling(c.Request.Context(), c.Param("tenantId"), c.Param("orderId"), update)
	if err != nil {
		writeError(c, oh.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.OrderResponse{Order: order})
}

func (oh *OrderHandler) Timeline(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		badRequest(c, "offset must be an integer")
		return
	}

	orderID := c.Param("orderId")
	changes, err := oh.service.Timeline(c.Request.Context(), c.Param("tenantId"), orderID, limit, offset)
	if err != nil {
		writeError(c, oh.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.TimelineResponse{OrderID: orderID, Changes: changes, Limit: limit, Offset: offset})
}

func queryInt(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
