package modbus

import (
	"sort"
	"time"
)

// GetTagDiagnostic returns diagnostic information for a specific tag.
func (c *Client) GetTagDiagnostic(tag string) *TagDiagnostic {
	if diag, ok := c.tagDiagnostics.Load(tag); ok {
		return diag.(*TagDiagnostic)
	}
	return nil
}

// GetAllTagDiagnostics returns a snapshot of every tracked tag, ordered by name.
func (c *Client) GetAllTagDiagnostics() []TagStats {
	var result []TagStats
	c.tagDiagnostics.Range(func(_, value interface{}) bool {
		result = append(result, value.(*TagDiagnostic).Snapshot())
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Tag < result[j].Tag })
	return result
}

func (c *Client) recordTagRead(tag string) {
	diag := c.getOrCreateTagDiagnostic(tag)
	diag.ReadCount.Add(1)
	diag.LastSuccessTime.Store(time.Now())
}

func (c *Client) recordTagWrite(tag string) {
	diag := c.getOrCreateTagDiagnostic(tag)
	diag.WriteCount.Add(1)
	diag.LastSuccessTime.Store(time.Now())
}

// recordTagError records a failed read or write for a tag.
func (c *Client) recordTagError(tag string, err error) {
	diag := c.getOrCreateTagDiagnostic(tag)
	diag.ErrorCount.Add(1)
	diag.LastError.Store(errorHolder{err})
	diag.LastErrorTime.Store(time.Now())
}

// errorHolder keeps atomic.Value stores on a single concrete type.
type errorHolder struct{ error }

// getOrCreateTagDiagnostic gets or creates a diagnostic tracker for a tag.
func (c *Client) getOrCreateTagDiagnostic(tag string) *TagDiagnostic {
	if diag, ok := c.tagDiagnostics.Load(tag); ok {
		return diag.(*TagDiagnostic)
	}
	actual, _ := c.tagDiagnostics.LoadOrStore(tag, NewTagDiagnostic(tag))
	return actual.(*TagDiagnostic)
}

// GetDeviceStats returns detailed statistics for this client.
func (c *Client) GetDeviceStats() DeviceStats {
	readCount := c.stats.ReadCount.Load()
	writeCount := c.stats.WriteCount.Load()
	totalReadNs := c.stats.TotalReadTime.Load()
	totalWriteNs := c.stats.TotalWriteTime.Load()

	var avgReadMs, avgWriteMs float64
	if readCount > 0 {
		avgReadMs = float64(totalReadNs) / float64(readCount) / 1e6
	}
	if writeCount > 0 {
		avgWriteMs = float64(totalWriteNs) / float64(writeCount) / 1e6
	}

	return DeviceStats{
		ClientID:       c.opts.ClientID,
		Address:        c.opts.Address(),
		State:          c.State().String(),
		ReadCount:      readCount,
		WriteCount:     writeCount,
		ErrorCount:     c.stats.ErrorCount.Load(),
		RetryCount:     c.stats.RetryCount.Load(),
		ConnectCount:   c.stats.ConnectCount.Load(),
		AvgReadTimeMs:  avgReadMs,
		AvgWriteTimeMs: avgWriteMs,
		Connected:      c.IsConnected(),
	}
}
