package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"arbor/internal/events"
	"arbor/internal/logger"
)

// auditHeader is the per-fill CSV schema. Changing it rotates any
// existing file whose first row no longer matches.
var auditHeader = []string{
	"exchange_trade_id",
	"config_id",
	"strategy",
	"market",
	"symbol",
	"base_asset",
	"quote_asset",
	"timestamp",
	"order_id",
	"trade_type",
	"order_type",
	"price",
	"amount",
	"leverage",
	"trade_fee",
	"position",
	"age",
}

// AuditWriter appends one CSV row per fill to a per-strategy audit
// file. It is a best-effort side channel: every failure is logged and
// swallowed so it can never block or fail the recording transaction.
type AuditWriter struct {
	dir      string
	strategy string
}

func NewAuditWriter(dir, strategy string) *AuditWriter {
	return &AuditWriter{dir: dir, strategy: strategy}
}

func (w *AuditWriter) path() string {
	return filepath.Join(w.dir, fmt.Sprintf("trades_%s.csv", w.strategy))
}

// AppendFill writes the fill row, rotating the file first when its
// header no longer matches the current field set.
func (w *AuditWriter) AppendFill(p events.OrderFilled, market, configID, strategy string, orderCreationTS int64) {
	if w == nil {
		return
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		logger.Warnf("audit csv: mkdir %s: %v", w.dir, err)
		return
	}
	path := w.path()
	if err := w.rotateIfHeaderChanged(path); err != nil {
		logger.Warnf("audit csv: rotate check: %v", err)
		return
	}

	writeHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeHeader = true
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warnf("audit csv: open %s: %v", path, err)
		return
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if writeHeader {
		if err := cw.Write(auditHeader); err != nil {
			logger.Warnf("audit csv: write header: %v", err)
			return
		}
	}
	base, quote := splitTradingPair(p.TradingPair)
	ts := toMillis(p.Timestamp)
	row := []string{
		p.ExchangeTradeID,
		configID,
		strategy,
		market,
		p.TradingPair,
		base,
		quote,
		strconv.FormatInt(ts, 10),
		p.OrderID,
		string(p.Side),
		string(p.Type),
		p.Price.String(),
		p.Amount.String(),
		strconv.Itoa(orDefaultLeverage(p.Leverage)),
		p.Fee.String(),
		positionOrNil(p.Position),
		fillAge(orderCreationTS, ts),
	}
	if err := cw.Write(row); err != nil {
		logger.Warnf("audit csv: write row: %v", err)
		return
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logger.Warnf("audit csv: flush: %v", err)
	}
}

// rotateIfHeaderChanged renames the current file with a UTC timestamp
// suffix when its first row differs from auditHeader.
func (w *AuditWriter) rotateIfHeaderChanged(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	reader := csv.NewReader(f)
	first, readErr := reader.Read()
	f.Close()
	if readErr != nil {
		// Unreadable first row counts as a mismatch.
		first = nil
	}
	if headerEqual(first, auditHeader) {
		return nil
	}
	rotated := fmt.Sprintf("%s_old_%s.csv",
		path[:len(path)-len(".csv")],
		time.Now().UTC().Format("20060102-150405"))
	logger.Infof("audit csv: header changed, rotating %s -> %s", path, rotated)
	return os.Rename(path, rotated)
}

func headerEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fillAge renders how long after order creation the fill landed. Fills
// whose order creation is unknown report "n/a".
func fillAge(orderCreationTS, fillTS int64) string {
	if orderCreationTS <= 0 || fillTS < orderCreationTS {
		return "n/a"
	}
	d := time.Duration(fillTS-orderCreationTS) * time.Millisecond
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
