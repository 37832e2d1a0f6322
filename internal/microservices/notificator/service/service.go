package service

type Service struct {
	NotificatorService *NotificatorService
}
