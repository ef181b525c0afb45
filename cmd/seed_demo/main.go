package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gestorix/presync/internal/config"
	"github.com/gestorix/presync/internal/database"
	"github.com/gestorix/presync/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func main() {
	fmt.Println("🌱 presync Demo Data Seeder")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	fmt.Println("✅ Connected to database")

	fmt.Println("🔨 Running database migrations...")
	err = db.AutoMigrate(
		&models.Presupuesto{},
		&models.PresupuestoDetalle{},
		&models.DetalleMap{},
		&models.SyncConfig{},
		&models.SyncLog{},
	)
	if err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	fmt.Println("✅ Migrations complete")

	var count int64
	db.Model(&models.Presupuesto{}).Count(&count)
	if count > 0 {
		fmt.Printf("⚠️  Database already has %d presupuestos. Clear them first? (y/N): ", count)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("❌ Aborted. Database not modified.")
			return
		}

		fmt.Println("🗑️  Clearing existing data...")
		db.Exec("TRUNCATE TABLE detalle_map CASCADE")
		db.Exec("TRUNCATE TABLE presupuesto_detalles CASCADE")
		db.Exec("TRUNCATE TABLE presupuestos CASCADE")
		db.Exec("TRUNCATE TABLE sync_log CASCADE")
		fmt.Println("✅ Data cleared")
	}

	fmt.Println("📦 Creating demo presupuestos...")

	now := time.Now().UTC()

	type demoLine struct {
		articulo string
		desc     string
		cantidad string
		precio   string
	}
	demos := []struct {
		numero  string
		cliente string
		nombre  string
		estado  models.PresupuestoEstado
		lines   []demoLine
	}{
		{
			numero: "P-2026-0001", cliente: "CLI-100", nombre: "Talleres Robledo SL", estado: models.EstadoEnviado,
			lines: []demoLine{
				{"ART-501", "Rodamiento 6204-2RS", "12", "4.85"},
				{"ART-517", "Correa trapezoidal A-42", "4", "7.20"},
			},
		},
		{
			numero: "P-2026-0002", cliente: "CLI-214", nombre: "Instalaciones Vega", estado: models.EstadoAceptado,
			lines: []demoLine{
				{"ART-230", "Tubo PVC 32mm (m)", "50", "1.15"},
				{"ART-231", "Codo PVC 32mm 90º", "20", "0.45"},
				{"ART-808", "Adhesivo PVC 500ml", "2", "6.90"},
			},
		},
		{
			numero: "P-2026-0003", cliente: "CLI-100", nombre: "Talleres Robledo SL", estado: models.EstadoBorrador,
			lines: []demoLine{
				{"ART-501", "Rodamiento 6204-2RS", "6", "4.85"},
			},
		},
	}

	for _, demo := range demos {
		p := models.Presupuesto{
			ExtID:              uuid.NewString(),
			Numero:             demo.numero,
			ClienteRef:         demo.cliente,
			ClienteNombre:      demo.nombre,
			Fecha:              now,
			Estado:             demo.estado,
			Activo:             true,
			FechaActualizacion: now,
		}
		if err := db.Create(&p).Error; err != nil {
			log.Fatalf("❌ Failed to create presupuesto %s: %v", demo.numero, err)
		}

		for _, line := range demo.lines {
			cantidad, _ := decimal.NewFromString(line.cantidad)
			precio, _ := decimal.NewFromString(line.precio)
			d := models.PresupuestoDetalle{
				PresupuestoExtID:   p.ExtID,
				Articulo:           line.articulo,
				Descripcion:        line.desc,
				Cantidad:           cantidad,
				PrecioUnitario:     precio,
				Descuento:          decimal.Zero,
				Importe:            cantidad.Mul(precio),
				Activo:             true,
				FechaActualizacion: now,
			}
			if err := db.Create(&d).Error; err != nil {
				log.Fatalf("❌ Failed to create detalle %s: %v", line.articulo, err)
			}
		}
		fmt.Printf("   📄 %s (%s) with %d lines\n", demo.numero, demo.nombre, len(demo.lines))
	}

	// Activate a sync configuration if a spreadsheet id was provided
	if spreadsheetID := os.Getenv("SEED_SPREADSHEET_ID"); spreadsheetID != "" {
		var existing int64
		db.Model(&models.SyncConfig{}).Where("activo = ?", true).Count(&existing)
		if existing == 0 {
			sc := models.SyncConfig{
				SpreadsheetID: spreadsheetID,
				OrdersSheet:   "Presupuestos",
				DetailsSheet:  "Detalles",
				CutoffAt:      time.Unix(0, 0).UTC(),
				Owner:         "seed_demo",
				Activo:        true,
			}
			if err := db.Create(&sc).Error; err != nil {
				log.Fatalf("❌ Failed to create sync config: %v", err)
			}
			fmt.Printf("   🔗 Sync config created for spreadsheet %s\n", spreadsheetID)
		} else {
			fmt.Println("   🔗 Active sync config already present, skipping")
		}
	} else {
		fmt.Println("   ℹ️  SEED_SPREADSHEET_ID not set, no sync config created")
	}

	fmt.Println("✅ Demo data ready")
}
