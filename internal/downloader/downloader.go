package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Header is the column layout of every CSV the downloader writes.
var Header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

const pageLimit = 1000 // 币安单次请求最多1000条

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client   *binance.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
	Interval string
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{
		client:   binance.NewClient("", ""), // 公共接口不需要API Key
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		logger:   logger,
		Interval: "1m",
	}
}

// WithBaseURL points the downloader at another REST endpoint.
func (d *KlineDownloader) WithBaseURL(url string) *KlineDownloader {
	d.client.BaseURL = url
	return d
}

// FileName is where a symbol/date range is cached.
func FileName(dir, symbol string, start, end time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s.csv", symbol, start.Format("2006-01-02"), end.Format("2006-01-02")))
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("path", filePath))
		return nil
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("start", startTime.Format("2006-01-02")),
		zap.String("end", endTime.Format("2006-01-02")))

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}

	// 先写临时文件，下载中断时不会留下半截缓存
	tmp := filePath + ".part"
	if err := d.write(ctx, symbol, tmp, startTime, endTime); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("无法保存文件 %s: %w", filePath, err)
	}

	d.logger.Info("成功下载K线数据", zap.String("path", filePath))
	return nil
}

func (d *KlineDownloader) write(ctx context.Context, symbol, path string, startTime, endTime time.Time) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for t := startTime; t.Before(endTime); {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(d.Interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				fmt.Sprintf("%d", k.OpenTime),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				fmt.Sprintf("%d", k.CloseTime),
				k.QuoteAssetVolume,
				fmt.Sprintf("%d", k.TradeNum),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t))
		if len(klines) < pageLimit {
			break
		}
	}

	writer.Flush()
	return writer.Error()
}
