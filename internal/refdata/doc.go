// Package refdata builds the sensor cross-sensitivity lookup artifact from the
// Sensors and Sensor_CrossSens CSV exports. Each export may carry a title row
// above the real header; the header is located by content, columns are looked
// up by name, and rows without a join key are skipped and counted.
package refdata
