package models

import (
	"time"

	"gorm.io/datatypes"
)

// 发票状态，只能向前推进
const (
	StatusDraft     = "draft"
	StatusGenerated = "generated"
	StatusSent      = "sent"
	StatusPaid      = "paid"
)

var statusRank = map[string]int{
	StatusDraft:     0,
	StatusGenerated: 1,
	StatusSent:      2,
	StatusPaid:      3,
}

// StatusRank 返回状态在生命周期中的位置，未知状态返回 false
func StatusRank(status string) (int, bool) {
	r, ok := statusRank[status]
	return r, ok
}

// Client 客户表，由 web 端维护，流水线只读
type Client struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255" json:"email"`
	NIP       string    `gorm:"column:nip;size:32" json:"nip"`
	CreatedAt time.Time `gorm:"column:createdAt" json:"createdAt"`
}

func (Client) TableName() string {
	return "Client"
}

// Invoice 发票表。列名沿用 web 端的 camelCase。
type Invoice struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientID      int64          `gorm:"column:clientId;not null;index" json:"clientId"`
	UserID        int64          `gorm:"column:userId;not null" json:"userId"`
	InvoiceNumber string         `gorm:"column:invoiceNumber;size:64;uniqueIndex" json:"invoiceNumber"`
	IssueDate     time.Time      `gorm:"column:issueDate" json:"issueDate"`
	DueDate       time.Time      `gorm:"column:dueDate" json:"dueDate"`
	Data          datatypes.JSON `gorm:"column:data" json:"data"`
	PDFFileName   *string        `gorm:"column:pdfFileName;size:255" json:"pdfFileName,omitempty"`
	Status        string         `gorm:"column:status;size:20;not null;default:draft" json:"status"`
	PayToken      string         `gorm:"column:payToken;size:64;uniqueIndex" json:"payToken,omitempty"`
	CreatedAt     time.Time      `gorm:"column:createdAt" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"column:updatedAt" json:"updatedAt"`
	Client        *Client        `gorm:"foreignKey:ClientID" json:"client,omitempty"`
}

func (Invoice) TableName() string {
	return "Invoice"
}
