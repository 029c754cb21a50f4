package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
)

const (
	pageMargin   = 14.0
	contentWidth = 210.0 - 2*pageMargin
	lineHeight   = 5.5
)

var itemColumns = []struct {
	title string
	width float64
	align string
}{
	{"No.", 12, "C"},
	{"Name", 80, "L"},
	{"Quantity", 25, "R"},
	{"Price", 30, "R"},
	{"Value", 35, "R"},
}

var fileNameReplacer = strings.NewReplacer("/", "_", `\`, "_")

// FileName 由发票号推导文件名，没有发票号时依次使用发票 id 和当前毫秒时间戳。
// 路径分隔符替换为下划线，同一张发票总是得到同一个文件名。
func FileName(ev *types.InvoiceCreatedEvent, now time.Time) string {
	base := strings.TrimSpace(ev.InvoiceNumber)
	if base == "" {
		if id, err := ev.ResolveInvoiceID(); err == nil {
			base = strconv.FormatInt(id, 10)
		} else {
			base = strconv.FormatInt(now.UnixMilli(), 10)
		}
	}
	return "faktura-" + fileNameReplacer.Replace(base) + ".pdf"
}

// Renderer 把 invoice.created 事件渲染成固定版式的 PDF
type Renderer struct {
	cfg      config.RenderConfig
	now      func() time.Time
	compress bool
}

// NewRenderer 创建渲染器
func NewRenderer(cfg config.RenderConfig) *Renderer {
	if cfg.Currency == "" {
		cfg.Currency = "PLN"
	}
	return &Renderer{cfg: cfg, now: time.Now, compress: true}
}

// Render 在 dir 下写入 PDF 并返回文件名。
// 先写临时文件再重命名，Stage 2 不会读到写了一半的文件。
func (r *Renderer) Render(ev *types.InvoiceCreatedEvent, dir string) (string, error) {
	name := FileName(ev, r.now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建 PDF 目录 %s 失败: %w", dir, err)
	}

	pdf, err := r.build(ev)
	if err != nil {
		return "", fmt.Errorf("生成发票版式失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := pdf.Output(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("写入 PDF 失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("写入 PDF 失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("保存 PDF %s 失败: %w", name, err)
	}
	return name, nil
}

type page struct {
	pdf    *fpdf.Fpdf
	family string
	tr     func(string) string
}

func (p *page) font(style string, size float64) {
	p.pdf.SetFont(p.family, style, size)
}

func (p *page) line(w float64, text, align string) {
	p.pdf.CellFormat(w, lineHeight, p.tr(text), "", 2, align, false, 0, "")
}

func (r *Renderer) build(ev *types.InvoiceCreatedEvent) (*fpdf.Fpdf, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.compress)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetCreator("invoices-poc", true)
	pdf.SetTitle("VAT INVOICE "+ev.InvoiceNumber, true)

	p := &page{pdf: pdf}
	if r.cfg.FontPath != "" {
		// TTF 字体可以直接输出波兰语字符
		pdf.AddUTF8Font("invoice", "", r.cfg.FontPath)
		pdf.AddUTF8Font("invoice", "B", r.cfg.FontPath)
		p.family = "invoice"
		p.tr = func(s string) string { return s }
	} else {
		p.family = "Helvetica"
		p.tr = pdf.UnicodeTranslatorFromDescriptor("")
	}
	if err := pdf.Error(); err != nil {
		return nil, err
	}

	pdf.AddPage()
	r.header(p, ev)
	r.parties(p, ev)
	r.items(p, ev.LineItems())
	r.summary(p, ev.Data)
	r.notes(p, ev.Data)
	r.bank(p)

	return pdf, pdf.Error()
}

func (r *Renderer) header(p *page, ev *types.InvoiceCreatedEvent) {
	p.font("B", 20)
	p.pdf.CellFormat(0, 10, "VAT INVOICE", "", 1, "C", false, 0, "")
	p.font("", 11)
	p.pdf.CellFormat(0, 6, p.tr("No: "+ev.InvoiceNumber), "", 1, "C", false, 0, "")

	var dates []string
	if ev.IssueDate != nil && !ev.IssueDate.IsZero() {
		dates = append(dates, "Issue date: "+ev.IssueDate.Format("2006-01-02"))
	}
	if ev.DueDate != nil && !ev.DueDate.IsZero() {
		dates = append(dates, "Due date: "+ev.DueDate.Format("2006-01-02"))
	}
	if len(dates) > 0 {
		p.pdf.CellFormat(0, 6, strings.Join(dates, "    "), "", 1, "C", false, 0, "")
	}
	p.pdf.Ln(8)
}

func (r *Renderer) parties(p *page, ev *types.InvoiceCreatedEvent) {
	half := contentWidth / 2
	top := p.pdf.GetY()

	p.font("B", 11)
	p.line(half, "Seller:", "L")
	p.font("", 11)
	p.line(half, r.cfg.SellerName, "L")
	p.line(half, r.cfg.SellerAddress, "L")
	p.line(half, "VAT ID: "+r.cfg.SellerVATID, "L")
	p.line(half, "Email: "+r.cfg.SellerEmail, "L")
	sellerBottom := p.pdf.GetY()

	client := ev.Client
	if client == nil {
		client = &types.ClientInfo{}
	}
	p.pdf.SetXY(pageMargin+half, top)
	p.font("B", 11)
	p.line(half, "Buyer:", "L")
	p.font("", 11)
	p.line(half, client.Name, "L")
	p.line(half, "Email: "+client.Email, "L")
	p.line(half, "NIP: "+client.NIP, "L")

	p.pdf.SetXY(pageMargin, max(sellerBottom, p.pdf.GetY())+8)
}

func (r *Renderer) items(p *page, items []types.LineItem) {
	p.font("B", 11)
	for i, col := range itemColumns {
		ln := 0
		if i == len(itemColumns)-1 {
			ln = 1
		}
		p.pdf.CellFormat(col.width, 7, col.title, "B", ln, col.align, false, 0, "")
	}

	p.font("", 10)
	for idx, item := range items {
		cells := []string{
			strconv.Itoa(idx + 1),
			item.Name,
			item.Quantity.String(),
			money(item.UnitPrice),
			money(item.Total),
		}
		for i, col := range itemColumns {
			ln := 0
			if i == len(itemColumns)-1 {
				ln = 1
			}
			p.pdf.CellFormat(col.width, 7, p.tr(cells[i]), "B", ln, col.align, false, 0, "")
		}
	}
	p.pdf.Ln(8)
}

func (r *Renderer) summary(p *page, data *types.InvoiceData) {
	if data == nil {
		data = &types.InvoiceData{}
	}
	currency := r.cfg.Currency
	if data.Currency != "" {
		currency = data.Currency
	}
	rate := decimal.NewFromFloat(r.cfg.DefaultVAT)
	if data.VATRate.Valid {
		rate = data.VATRate.Decimal
	}

	const width = 70.0
	x := pageMargin + contentWidth - width
	p.font("", 11)
	p.pdf.SetX(x)
	p.line(width, fmt.Sprintf("Net value: %s %s", money(data.Subtotal), currency), "L")
	p.pdf.SetX(x)
	p.line(width, fmt.Sprintf("VAT (%s%%): %s %s", rate.String(), money(data.VATAmount), currency), "L")
	p.pdf.SetX(x)
	p.font("B", 14)
	p.pdf.CellFormat(width, 8, fmt.Sprintf("Total: %s %s", money(data.Total), currency), "", 2, "L", false, 0, "")
	p.pdf.SetX(pageMargin)
	p.pdf.Ln(8)
}

func (r *Renderer) notes(p *page, data *types.InvoiceData) {
	if data == nil {
		return
	}
	p.font("", 11)
	if data.PaymentTerms != "" {
		p.pdf.MultiCell(0, lineHeight, p.tr("Payment terms: "+data.PaymentTerms), "", "L", false)
	}
	if data.Notes != "" {
		p.pdf.MultiCell(0, lineHeight, p.tr("Notes: "+data.Notes), "", "L", false)
	}
	p.pdf.Ln(4)
}

func (r *Renderer) bank(p *page) {
	b := r.cfg.Bank
	p.font("BU", 12)
	p.pdf.CellFormat(0, 7, "Bank transfer details:", "", 1, "L", false, 0, "")
	p.font("", 11)
	p.line(0, "Bank: "+b.Name, "L")
	p.line(0, "Account number: "+b.Account, "L")
	p.line(0, "SWIFT: "+b.SWIFT, "L")
	p.line(0, "IBAN: "+b.IBAN, "L")
}

// money 金额固定两位小数，缺失按 0
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
